package genai

import "context"

// MockClient implements ClientInterface for tests.
type MockClient struct {
	// Response is returned from GeneratePrompt when Err is nil.
	Response string
	Err      error
	// Calls records every (system, user) prompt pair received.
	Calls [][2]string
}

// GeneratePrompt implements ClientInterface.
func (m *MockClient) GeneratePrompt(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	m.Calls = append(m.Calls, [2]string{systemPrompt, userPrompt})
	if m.Err != nil {
		return "", m.Err
	}
	return m.Response, nil
}
