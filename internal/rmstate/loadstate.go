package rmstate

import "context"

// LoadState returns a snapshot of everything needed to resume operation,
// per spec.md §4.5. Watches are re-registered on every read during load, so
// a mutation by a would-be peer controller is observed by the active one.
func (s *Store) LoadState(ctx context.Context) (*RMState, error) {
	dtState, err := s.loadDTSecretManagerState(ctx)
	if err != nil {
		return nil, err
	}
	apps, err := s.loadApplications(ctx)
	if err != nil {
		return nil, err
	}
	amrm, err := s.loadAMRMState(ctx)
	if err != nil {
		return nil, err
	}
	return &RMState{
		Applications:         apps,
		DTSecretManagerState: dtState,
		AMRMTokenState:       amrm,
	}, nil
}
