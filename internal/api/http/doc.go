/*
Package http exposes sessions over REST.

# Routes

	GET    /health                  service and metrics summary
	POST   /sessions                create a session from {"files": {...}} or the seed
	GET    /sessions/:id            generations, diagnostics and displayed artifact
	POST   /sessions/:id/apply      build posted files or the session draft
	POST   /sessions/:id/resize     forward a viewport change to the sandbox
	GET    /sessions/:id/artifact   displayed bundle, ETag is the file set hash
	GET    /sessions/:id/preview    HTML page loading the bundle as a module
	DELETE /sessions/:id            close the session

Apply answers 202 with the new generation as soon as it is issued; the
build itself is observed through GET /sessions/:id or the WebSocket stream.
*/
package http
