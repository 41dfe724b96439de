package provider

import "context"

// StubStrategy declares an accounting system in the catalog before its
// integration ships. All operations fail with ErrNotImplemented.
type StubStrategy struct {
	info SystemInfo
}

// NewStub returns a disabled strategy carrying only catalog metadata.
func NewStub(id, name, text string) *StubStrategy {
	return &StubStrategy{info: SystemInfo{ID: id, Name: name, Text: text, Enabled: false}}
}

func (s *StubStrategy) SystemInfo() SystemInfo { return s.info }

func (s *StubStrategy) AuthorizationURL(string) (string, error) {
	return "", ErrNotImplemented
}

func (s *StubStrategy) ExchangeCode(context.Context, string, string) (TokenPair, error) {
	return TokenPair{}, ErrNotImplemented
}

func (s *StubStrategy) FetchCompanyInfo(context.Context, string, string) (string, error) {
	return "", ErrNotImplemented
}

func (s *StubStrategy) DefaultCompanyName() string {
	return s.info.Name + " Account"
}

func (s *StubStrategy) FetchCustomers(context.Context, string, string) ([]Customer, error) {
	return nil, ErrNotImplemented
}

func (s *StubStrategy) RefreshTokens(context.Context, string) (TokenPair, error) {
	return TokenPair{}, ErrNotImplemented
}

func (s *StubStrategy) RequiresRealmID() bool { return false }
