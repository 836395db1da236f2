// Package http exposes a filevault Engine over HTTP using chi.
//
// # Routes
//
//	GET    /health             liveness, never authenticated
//	GET    /files              list committed files (?prefix=&limit=&cursor=)
//	GET    /files/{path}       download (?preview=true for inline disposition)
//	HEAD   /files/{path}       metadata headers only
//	PUT    /files/{path}       upload the raw request body as a new version
//	DELETE /files/{path}       delete a file
//	GET    /versions/{path}    retained versions, newest first
//	GET    /folders[/{path}]   direct children of a folder
//	DELETE /folders/{path}     delete every file under a folder
//	GET    /usage              committed files, bytes and quota of the caller
//
// # Authentication
//
// Requests carry "Authorization: Bearer <jwt>". The token subject is the
// owner every engine call is scoped to. Without a TokenVerifier the handler
// runs unauthenticated and all requests share HandlerConfig.AnonymousOwner.
//
// # Errors
//
// Errors are JSON bodies of the form {"error": code, "message": text}:
//
//	not_found            404
//	invalid_input        400
//	unauthorized         401
//	conflict             409
//	payload_too_large    413
//	quota_exceeded       413
//	corrupted            500
//	storage_unavailable  503
//
// Downloads set ETag to the content checksum and honour If-None-Match and
// If-Modified-Since.
package http
