//go:build !gocv

package align

func defaultMatcher() Matcher {
	return NCCMatcher{}
}
