package imagejob

import "strconv"

// AspectRatio reduces width:height by their greatest common divisor, so
// 1920x1080 becomes "16:9". Non-positive sides count as 1.
func AspectRatio(width, height int) string {
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	d := gcd(width, height)
	return strconv.Itoa(width/d) + ":" + strconv.Itoa(height/d)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
