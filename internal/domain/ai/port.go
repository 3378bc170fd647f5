package ai

import "context"

type Client interface {
	Analyze(ctx context.Context, findings string) (string, error)
	Model() string
}
