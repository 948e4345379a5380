package gateway

import (
	"net/http"
	"net/url"
)

const csrfHeaderName = "X-CSRF-Token"

// csrfCookieNames are checked in order.
var csrfCookieNames = []string{"csrf_token", "XSRF-TOKEN"}

// unsafeMethod reports whether method changes server state.
func unsafeMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// injectCSRF echoes the CSRF cookie as a header on state-changing requests.
// Safe methods never touch the jar. A missing cookie leaves the request
// unchanged; the server decides whether to reject it.
func injectCSRF(req *http.Request, jar http.CookieJar) {
	if jar == nil || !unsafeMethod(req.Method) {
		return
	}
	if token := csrfToken(jar, req.URL); token != "" {
		req.Header.Set(csrfHeaderName, token)
	}
}

func csrfToken(jar http.CookieJar, u *url.URL) string {
	cookies := jar.Cookies(u)
	for _, name := range csrfCookieNames {
		for _, c := range cookies {
			if c.Name == name && c.Value != "" {
				return c.Value
			}
		}
	}
	return ""
}
