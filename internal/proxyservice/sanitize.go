package proxyservice

import "net/url"

// SanitizeURL returns a copy of u suitable for passing to a PAC script. We
// always remove the credentials and the fragment. For schemes whose traffic is
// encrypted we also remove the path and the query, which would otherwise leak
// information the script's author should not see.
func SanitizeURL(u *url.URL) *url.URL {
	out := *u
	out.User = nil
	out.Fragment = ""
	out.RawFragment = ""
	if isCryptographicScheme(out.Scheme) {
		out.Path = ""
		out.RawPath = ""
		out.RawQuery = ""
		out.ForceQuery = false
	}
	return &out
}

func isCryptographicScheme(scheme string) bool {
	switch scheme {
	case "https", "wss":
		return true
	default:
		return false
	}
}
