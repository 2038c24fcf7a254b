// Package identity determines which compute unit the current process runs on.
package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// ErrUnavailable is returned when no source could identify the instance.
var ErrUnavailable = errors.New("instance identity unavailable")

// Resolver returns the identifier of the current compute unit.
type Resolver interface {
	InstanceID(ctx context.Context) (string, error)
}

// MetadataAPI is the subset of the IMDS client used here.
type MetadataAPI interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// IMDS reads instance-id from the local instance metadata service.
type IMDS struct {
	api MetadataAPI
}

// NewIMDS wraps a metadata client.
func NewIMDS(api MetadataAPI) *IMDS {
	return &IMDS{api: api}
}

// NewIMDSFromConfig builds the metadata client from an SDK config.
func NewIMDSFromConfig(cfg aws.Config) *IMDS {
	return &IMDS{api: imds.NewFromConfig(cfg)}
}

// InstanceID implements Resolver.
func (r *IMDS) InstanceID(ctx context.Context) (string, error) {
	if r == nil || r.api == nil {
		return "", fmt.Errorf("%w: no metadata client", ErrUnavailable)
	}
	out, err := r.api.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		return "", fmt.Errorf("%w: imds: %v", ErrUnavailable, err)
	}
	defer out.Content.Close()

	data, err := io.ReadAll(io.LimitReader(out.Content, 256))
	if err != nil {
		return "", fmt.Errorf("%w: read imds response: %v", ErrUnavailable, err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", fmt.Errorf("%w: imds returned empty instance-id", ErrUnavailable)
	}
	return id, nil
}

// Static is a fixed identity, typically injected by the bootstrap environment.
type Static string

// InstanceID implements Resolver.
func (s Static) InstanceID(context.Context) (string, error) {
	id := strings.TrimSpace(string(s))
	if id == "" {
		return "", fmt.Errorf("%w: no static instance id", ErrUnavailable)
	}
	return id, nil
}

// Chain tries each resolver in order and returns the first identity found.
type Chain []Resolver

// InstanceID implements Resolver.
func (c Chain) InstanceID(ctx context.Context) (string, error) {
	var errs []error
	for _, r := range c {
		if r == nil {
			continue
		}
		id, err := r.InstanceID(ctx)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: no resolvers configured", ErrUnavailable)
	}
	return "", errors.Join(errs...)
}

// Cached resolves at most once and replays the first result.
type Cached struct {
	next Resolver

	once sync.Once
	id   string
	err  error
}

// NewCached wraps next.
func NewCached(next Resolver) *Cached {
	return &Cached{next: next}
}

// InstanceID implements Resolver.
func (c *Cached) InstanceID(ctx context.Context) (string, error) {
	c.once.Do(func() {
		if c.next == nil {
			c.err = fmt.Errorf("%w: no resolver", ErrUnavailable)
			return
		}
		c.id, c.err = c.next.InstanceID(ctx)
	})
	return c.id, c.err
}
