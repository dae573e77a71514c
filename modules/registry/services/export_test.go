package services

// SetCommitFault installs a hook invoked before the nth registry write of a
// commit. Integration tests abort mid-apply with it to prove the transaction
// leaves nothing behind.
func SetCommitFault(s *CommitService, fn func(n int) error) {
	s.beforeWrite = fn
}
