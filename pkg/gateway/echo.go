package gateway

import "context"

// EchoConnector is a local provider that replies with the input
// reversed. It reports no token usage. Useful for offline runs and as
// the reference connector in tests.
type EchoConnector struct {
	name string
}

// NewEchoConnector returns an echo connector registered under name.
func NewEchoConnector(name string) *EchoConnector {
	if name == "" {
		name = "echo"
	}
	return &EchoConnector{name: name}
}

func (e *EchoConnector) Name() string { return e.name }

func (e *EchoConnector) Model() string { return "echo" }

func (e *EchoConnector) Init(context.Context) error { return nil }

func (e *EchoConnector) Cleanup() error { return nil }

func (e *EchoConnector) Call(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return Response{Content: reverse(req.Content)}, nil
}

// Stream emits the reversed input one rune at a time.
func (e *EchoConnector) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(chan Chunk, len(req.Content)+1)
	go func() {
		defer close(out)
		for _, r := range reverse(req.Content) {
			select {
			case out <- Chunk{Content: string(r)}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- Chunk{Final: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
