// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package autoscale_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffeo/go-hypershell/autoscale"
	"github.com/diffeo/go-hypershell/store/memory"
)

// fakeLauncher records every Launch call and hands back children that
// never exit on their own, so tests control liveness deterministically.
type fakeLauncher struct {
	mu       sync.Mutex
	launched int
}

func (f *fakeLauncher) Launch() (autoscale.Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched++
	return &fakeChild{}, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launched
}

type fakeChild struct{}

func (c *fakeChild) Reap() (bool, error) { return false, nil }
func (c *fakeChild) Kill() error         { return nil }

func TestFixedPolicyLaunchesInitSize(t *testing.T) {
	launcher := &fakeLauncher{}
	policy := &autoscale.PolicyConfig{Kind: autoscale.Fixed, InitSize: 3, MinSize: 0, MaxSize: 3, Period: 60, Launcher: []string{"true"}}
	st := memory.New()
	clk := clock.NewMock()

	a := autoscale.New(st, policy, launcher, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return launcher.count() == 3 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestDecodePolicyAppliesDefaultsAndValidates(t *testing.T) {
	cfg, err := autoscale.DecodePolicy(map[string]interface{}{
		"policy":   "DYNAMIC",
		"launcher": []interface{}{"hypershell-client", "--bind", "{bind}"},
	})
	require.NoError(t, err)
	assert.Equal(t, autoscale.Dynamic, cfg.Kind)
	assert.Equal(t, 1, cfg.InitSize)
	assert.Equal(t, 1, cfg.MaxSize)
	assert.Equal(t, []string{"hypershell-client", "--bind", "{bind}"}, cfg.Launcher)

	_, err = autoscale.DecodePolicy(map[string]interface{}{"policy": "FIXED"})
	assert.Error(t, err, "launcher argv is required")
}
