package progression

// easeOutCubic maps linear progress t in [0,1] onto a curve that
// decelerates into the target, so the XP fill slows as it approaches a
// level boundary.
func easeOutCubic(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	u := 1 - t
	return 1 - u*u*u
}
