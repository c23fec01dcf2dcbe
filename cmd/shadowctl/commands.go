package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// shadowClient is the part of *shadow.Session the commands use.
type shadowClient interface {
	Get(ctx context.Context, id shadow.Identity, timeout time.Duration) (*shadow.Document, error)
	Update(ctx context.Context, id shadow.Identity, patch shadow.Patch, timeout time.Duration) (*shadow.Document, error)
	Delete(ctx context.Context, id shadow.Identity, timeout time.Duration) error
	OnDelta(id shadow.Identity, handler func(*shadow.Document)) (*shadow.DeltaSubscription, error)
	OnDocuments(id shadow.Identity, handler func(*shadow.DocumentsUpdate)) (*shadow.DeltaSubscription, error)
}

// command runs one CLI command against a single shadow.
type command struct {
	client  shadowClient
	id      shadow.Identity
	timeout time.Duration
	out     *printer
	errOut  io.Writer
}

func (c *command) execute(ctx context.Context, args []string) error {
	name, rest := args[0], args[1:]
	switch name {
	case "get":
		return c.get(ctx)
	case "update":
		return c.update(ctx, rest)
	case "delete":
		return c.delete(ctx)
	case "watch":
		return c.watch(ctx)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

func (c *command) get(ctx context.Context) error {
	doc, err := c.client.Get(ctx, c.id, c.timeout)
	if err != nil {
		if shadow.IsNotFound(err) {
			return fmt.Errorf("shadow %s does not exist", c.id)
		}
		return fmt.Errorf("get %s: %w", c.id, err)
	}
	return c.out.document(c.id, doc)
}

// parsePatch reads the update command's flags into a patch.
func parsePatch(args []string, stderr io.Writer) (shadow.Patch, error) {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	fs.SetOutput(stderr)
	desired := fs.String("desired", "", "desired state as a JSON object, null values remove keys")
	reported := fs.String("reported", "", "reported state as a JSON object")
	version := fs.Uint64("version", 0, "apply only if the shadow is at this version")

	var patch shadow.Patch
	if err := fs.Parse(args); err != nil {
		return patch, fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return patch, fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}
	if *desired == "" && *reported == "" {
		return patch, fmt.Errorf("%w: update needs -desired or -reported", errUsage)
	}

	var err error
	if patch.Desired, err = parseState("desired", *desired); err != nil {
		return patch, err
	}
	if patch.Reported, err = parseState("reported", *reported); err != nil {
		return patch, err
	}
	patch.Version = *version
	return patch, nil
}

func parseState(field, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	value, err := shadow.DecodeValue([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: -%s must be a JSON object: %v", errUsage, field, err)
	}
	state, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: -%s must be a JSON object", errUsage, field)
	}
	return state, nil
}

func (c *command) update(ctx context.Context, args []string) error {
	patch, err := parsePatch(args, c.errOut)
	if err != nil {
		return err
	}

	doc, err := c.client.Update(ctx, c.id, patch, c.timeout)
	if err != nil {
		var rejected *shadow.RejectedError
		if errors.As(err, &rejected) {
			return fmt.Errorf("update %s rejected (%d): %s", c.id, rejected.Code, rejected.Message)
		}
		return fmt.Errorf("update %s: %w", c.id, err)
	}
	return c.out.document(c.id, doc)
}

func (c *command) delete(ctx context.Context) error {
	if err := c.client.Delete(ctx, c.id, c.timeout); err != nil {
		if shadow.IsNotFound(err) {
			return fmt.Errorf("shadow %s does not exist", c.id)
		}
		return fmt.Errorf("delete %s: %w", c.id, err)
	}
	c.out.deleted(c.id)
	return nil
}

// watch prints deltas and document changes until ctx is done.
// Handlers only queue output; printing happens on the calling goroutine.
func (c *command) watch(ctx context.Context) error {
	events := make(chan func() error, 16)
	send := func(show func() error) {
		select {
		case events <- show:
		case <-ctx.Done():
		}
	}

	deltaSub, err := c.client.OnDelta(c.id, func(doc *shadow.Document) {
		send(func() error { return c.out.delta(c.id, doc) })
	})
	if err != nil {
		return fmt.Errorf("watching deltas of %s: %w", c.id, err)
	}
	defer deltaSub.Cancel() //nolint:errcheck // Exiting

	docsSub, err := c.client.OnDocuments(c.id, func(update *shadow.DocumentsUpdate) {
		send(func() error { return c.out.documents(c.id, update) })
	})
	if err != nil {
		return fmt.Errorf("watching documents of %s: %w", c.id, err)
	}
	defer docsSub.Cancel() //nolint:errcheck // Exiting

	c.out.watching(c.id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case show := <-events:
			if err := show(); err != nil {
				return err
			}
		}
	}
}
