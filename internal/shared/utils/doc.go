// Package utils holds field validation shared by the request surfaces.
package utils
