package engine

import (
	"context"
	"fmt"

	"github.com/smpmgr/smpmgr-go/pkg/command"
)

// Do submits cmd and waits for its result. When ctx ends first the request
// is cancelled and ctx.Err() is returned. An upload that is already in
// flight stops at its next acknowledgement.
func (e *Engine) Do(ctx context.Context, cmd command.Command) (command.Result, error) {
	return e.do(ctx, &Request{Command: cmd})
}

func (e *Engine) do(ctx context.Context, req *Request) (command.Result, error) {
	type outcome struct {
		result command.Result
		err    error
	}
	ch := make(chan outcome, 1)
	req.Done = func(r command.Result, err error) {
		ch <- outcome{r, err}
	}

	if err := e.Submit(req); err != nil {
		return nil, err
	}

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		e.Cancel(req)
		return nil, ctx.Err()
	}
}

func doTyped[T command.Result](ctx context.Context, e *Engine, req *Request) (T, error) {
	var zero T
	r, err := e.do(ctx, req)
	if err != nil {
		return zero, err
	}
	t, ok := r.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T", command.ErrUnexpectedResult, r)
	}
	return t, nil
}

// ImageList reads the image slots of the device.
func (e *Engine) ImageList(ctx context.Context) (*command.ImageState, error) {
	return doTyped[*command.ImageState](ctx, e, &Request{Command: command.ImageList()})
}

// ImageTest marks the image with hash for a test boot.
func (e *Engine) ImageTest(ctx context.Context, hash []byte) (*command.ImageState, error) {
	return doTyped[*command.ImageState](ctx, e, &Request{Command: command.ImageTest(hash)})
}

// ImageConfirm makes an image permanent. A nil hash confirms the running image.
func (e *Engine) ImageConfirm(ctx context.Context, hash []byte) (*command.ImageState, error) {
	return doTyped[*command.ImageState](ctx, e, &Request{Command: command.ImageConfirm(hash)})
}

// Upload transfers image to the device. progress may be nil.
func (e *Engine) Upload(ctx context.Context, image []byte, progress func(float64) bool) (*command.UploadResult, error) {
	return doTyped[*command.UploadResult](ctx, e, &Request{
		Command:  command.Upload(image),
		Progress: progress,
	})
}

// TaskStats reads the per-task statistics.
func (e *Engine) TaskStats(ctx context.Context) (*command.TaskStats, error) {
	return doTyped[*command.TaskStats](ctx, e, &Request{Command: command.ReadTaskStats()})
}

// Reset reboots the device.
func (e *Engine) Reset(ctx context.Context, force bool) error {
	_, err := doTyped[*command.ResetResult](ctx, e, &Request{Command: command.Reset(force)})
	return err
}

// Echo sends msg and returns the device's reply.
func (e *Engine) Echo(ctx context.Context, msg string) (string, error) {
	r, err := doTyped[*command.EchoResult](ctx, e, &Request{Command: command.Echo(msg)})
	if err != nil {
		return "", err
	}
	return r.Message, nil
}

// Stats lists the statistics groups.
func (e *Engine) Stats(ctx context.Context) ([]string, error) {
	r, err := doTyped[*command.StatList](ctx, e, &Request{Command: command.ListStats()})
	if err != nil {
		return nil, err
	}
	return r.Names, nil
}

// StatDetail reads one statistics group.
func (e *Engine) StatDetail(ctx context.Context, name string) (*command.StatDetail, error) {
	return doTyped[*command.StatDetail](ctx, e, &Request{Command: command.ReadStat(name)})
}
