// Package transport performs the network half of the engine: full GETs and
// conditional HEADs against a resource identifier over one shared
// http.Client. Requests made with bypassCache carry no-cache directives so no
// intermediate cache may answer from storage; in particular a revalidation
// HEAD observes the origin's real status code, 304 included.
package transport
