package subscription

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidegate/pkg/plugin"
)

type fakeDispatcher struct {
	delivered []plugin.Delta
	pluginIDs []string
	err       error
}

func (f *fakeDispatcher) DispatchDelta(pluginID string, delta plugin.Delta) error {
	f.pluginIDs = append(f.pluginIDs, pluginID)
	f.delivered = append(f.delivered, delta)
	return f.err
}

func newTestManager() (*Manager, *fakeDispatcher) {
	m := NewManager(logrus.New(), 0)
	d := &fakeDispatcher{}
	m.SetDispatcher(d)
	return m, d
}

func TestSubscribeAndPublishDispatches(t *testing.T) {
	m, d := newTestManager()
	id := m.Subscribe("pluginA", "nav.position.*")
	require.NotEmpty(t, id)

	m.Publish(plugin.Delta{Context: "ctx", Updates: []plugin.Update{{Path: "nav.position.lat", Value: 1.0}}})

	require.Len(t, d.delivered, 1)
	assert.Equal(t, "pluginA", d.pluginIDs[0])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m, d := newTestManager()
	id := m.Subscribe("pluginA", "nav.**")
	m.Unsubscribe(id)

	m.Publish(plugin.Delta{Updates: []plugin.Update{{Path: "nav.position.lat", Value: 1.0}}})

	assert.Empty(t, d.delivered)
}

func TestBufferingDuringReloadThenResumeInOrder(t *testing.T) {
	m, d := newTestManager()
	m.Subscribe("pluginA", "nav.**")

	m.BeginBuffering("pluginA")
	m.Publish(plugin.Delta{Context: "first", Updates: []plugin.Update{{Path: "nav.a", Value: 1}}})
	m.Publish(plugin.Delta{Context: "second", Updates: []plugin.Update{{Path: "nav.b", Value: 2}}})

	assert.Empty(t, d.delivered, "deltas must buffer, not dispatch, while buffering")

	m.ResumeDispatch("pluginA")

	require.Len(t, d.delivered, 2)
	assert.Equal(t, "first", d.delivered[0].Context)
	assert.Equal(t, "second", d.delivered[1].Context)
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	m := NewManager(logrus.New(), 2)
	d := &fakeDispatcher{}
	m.SetDispatcher(d)
	m.Subscribe("pluginA", "nav.**")
	m.BeginBuffering("pluginA")

	for i := 0; i < 5; i++ {
		m.Publish(plugin.Delta{Context: string(rune('a' + i)), Updates: []plugin.Update{{Path: "nav.a", Value: i}}})
	}

	m.ResumeDispatch("pluginA")

	require.Len(t, d.delivered, 2, "buffer bound must cap delivered deltas")
	assert.Equal(t, "d", d.delivered[0].Context, "oldest entries must be dropped first")
	assert.Equal(t, "e", d.delivered[1].Context)
}

func TestCleanupPluginRemovesAllSubscriptions(t *testing.T) {
	m, d := newTestManager()
	m.Subscribe("pluginA", "nav.**")
	m.Subscribe("pluginA", "environment.**")
	m.CleanupPlugin("pluginA")

	m.Publish(plugin.Delta{Updates: []plugin.Update{{Path: "nav.a", Value: 1}}})
	assert.Empty(t, d.delivered)
}
