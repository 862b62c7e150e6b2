package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResource struct {
	name     string
	log      *[]string
	startErr error
	stopErr  error
	ready    bool
}

func (f *fakeResource) Start(context.Context) error {
	*f.log = append(*f.log, "start "+f.name)
	if f.startErr == nil {
		f.ready = true
	}
	return f.startErr
}

func (f *fakeResource) Stop(context.Context) error {
	*f.log = append(*f.log, "stop "+f.name)
	f.ready = false
	return f.stopErr
}

func (f *fakeResource) Health(context.Context) HealthStatus {
	return HealthStatus{Ready: f.ready}
}

func TestGroup_StartStopOrder(t *testing.T) {
	var log []string
	var g Group
	g.Add("store", &fakeResource{name: "store", log: &log})
	g.Add("server", &fakeResource{name: "server", log: &log})

	ctx := context.Background()
	require.NoError(t, g.Start(ctx))
	assert.True(t, g.Health(ctx).Ready)
	require.NoError(t, g.Stop(ctx))

	assert.Equal(t, []string{"start store", "start server", "stop server", "stop store"}, log)
	assert.Equal(t, "store not ready", g.Health(ctx).Message)
}

func TestGroup_StartFailureUnwinds(t *testing.T) {
	var log []string
	var g Group
	g.Add("a", &fakeResource{name: "a", log: &log})
	g.Add("b", &fakeResource{name: "b", log: &log, startErr: errors.New("port in use")})
	g.Add("c", &fakeResource{name: "c", log: &log})

	err := g.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start b: port in use")
	assert.Equal(t, []string{"start a", "start b", "stop a"}, log)

	require.NoError(t, g.Stop(context.Background()))
	assert.Len(t, log, 3)
}

func TestGroup_StopCollectsErrors(t *testing.T) {
	var log []string
	var g Group
	g.Add("a", &fakeResource{name: "a", log: &log, stopErr: errors.New("flush failed")})
	g.Add("b", &fakeResource{name: "b", log: &log})

	require.NoError(t, g.Start(context.Background()))
	err := g.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stop a")
	assert.Equal(t, "stop a", log[len(log)-1])
}
