package orchestrator

// IdleState - nothing eligible to sync, or waiting on a retry timer
type IdleState struct{}

func (s *IdleState) Name() string      { return "idle" }
func (s *IdleState) Status() SyncState { return SyncIdle }
func (s *IdleState) ToSyncing() *SyncingState {
	return &SyncingState{}
}
func (s *IdleState) ToPaused() *PausedState {
	return &PausedState{}
}

// SyncingState - a drain is in flight
type SyncingState struct{}

func (s *SyncingState) Name() string      { return "syncing" }
func (s *SyncingState) Status() SyncState { return SyncSyncing }
func (s *SyncingState) ToIdle() *IdleState {
	return &IdleState{}
}
func (s *SyncingState) ToPaused() *PausedState {
	return &PausedState{}
}
func (s *SyncingState) ToError(err error) *ErrorState {
	return &ErrorState{Err: err}
}

// PausedState - offline, no remote calls are issued
type PausedState struct{}

func (s *PausedState) Name() string      { return "paused" }
func (s *PausedState) Status() SyncState { return SyncPaused }
func (s *PausedState) ToSyncing() *SyncingState {
	return &SyncingState{}
}
func (s *PausedState) ToIdle() *IdleState {
	return &IdleState{}
}

// ErrorState - halted on an auth rejection, an unreachable remote, or a
// local storage failure. The queue is left as it was.
type ErrorState struct {
	Err error
}

func (s *ErrorState) Name() string      { return "error" }
func (s *ErrorState) Status() SyncState { return SyncError }
func (s *ErrorState) ToSyncing() *SyncingState {
	return &SyncingState{}
}
func (s *ErrorState) ToIdle() *IdleState {
	return &IdleState{}
}
func (s *ErrorState) ToPaused() *PausedState {
	return &PausedState{}
}
