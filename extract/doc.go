// Package extract pulls a credential string out of an HTTP request.
//
// Callers pass an ordered list of [Strategy] values; the first source that
// yields a non-empty value wins and sources are never merged. Supported
// sources are a named cookie, the Authorization header (exact "Bearer "
// prefix only), and a string field of a JSON body. A body field holding a
// number, object, or null is treated as absent.
//
// Body lookups buffer at most [MaxBodyBytes] and put the consumed bytes back
// on the request, so downstream handlers still see the full body.
package extract
