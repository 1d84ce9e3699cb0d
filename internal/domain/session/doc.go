// Package session keeps the live builders of connected clients.
//
// A Session pairs one builder with the client's draft: edits change the
// draft and raise HasChanges, and only Apply turns the draft into a new
// build generation. Sessions live in a size-bounded LRU with a TTL; an
// evicted or expired session closes its builder.
//
//	m := session.NewManager(factory, session.Config{Size: 64, TTL: 30 * time.Minute}, logger)
//	s, err := m.Create(files)
//	s.EditFile("/App.tsx", src)
//	gen, err := s.Apply(nil)
package session
