package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. The Pesapal routes are called by the
// gateway itself and carry no bearer token.
var publicPaths = map[string]bool{
	"/health":                  true,
	"/health/db":               true,
	"/api/v1/pesapal/ipn":      true,
	"/api/v1/pesapal/callback": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
