package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/storyloom/loom/stream"
)

type fakeStream struct {
	added  []fakeEntry
	source *fakeSource
}

type fakeEntry struct {
	event   string
	payload []byte
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.added = append(f.added, fakeEntry{event: event, payload: payload})
	return "1-0", nil
}

func (f *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (EventSource, error) {
	return f.source, nil
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

type fakeSource struct {
	ch    chan *streaming.Event
	acked []*streaming.Event
}

func (f *fakeSource) Subscribe() <-chan *streaming.Event { return f.ch }

func (f *fakeSource) Ack(_ context.Context, evt *streaming.Event) error {
	f.acked = append(f.acked, evt)
	return nil
}

func (f *fakeSource) Close(context.Context) {}

type fakeClient struct {
	streams map[string]*fakeStream
}

func (f *fakeClient) Stream(requestID string) (Stream, error) {
	s, ok := f.streams[requestID]
	if !ok {
		s = &fakeStream{}
		f.streams[requestID] = s
	}
	return s, nil
}

func (f *fakeClient) Close(context.Context) error { return nil }

func TestSinkPublishesEnvelope(t *testing.T) {
	cli := &fakeClient{streams: map[string]*fakeStream{}}
	sink, err := NewSink(cli, "req-1")
	require.NoError(t, err)

	dlg := &stream.Dialogue{
		Base:      stream.NewBase("dialogue_112", stream.EventDialogue),
		Character: "Mara",
		Text:      "Hello.",
		VoiceURL:  "http://a/v.wav",
	}
	require.NoError(t, sink.Send(context.Background(), dlg))

	str := cli.streams["req-1"]
	require.Len(t, str.added, 1)
	assert.Equal(t, "dialogue", str.added[0].event)

	var env envelope
	require.NoError(t, json.Unmarshal(str.added[0].payload, &env))
	assert.Equal(t, "req-1", env.RequestID)
	assert.Equal(t, "dialogue", env.Type)
	assert.False(t, env.Timestamp.IsZero())

	var got stream.Dialogue
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, "dialogue_112", got.ID())
	assert.Equal(t, "http://a/v.wav", got.VoiceURL)
}

func TestSubscribeReplaysInOrder(t *testing.T) {
	cli := &fakeClient{streams: map[string]*fakeStream{}}
	sink, err := NewSink(cli, "req-1")
	require.NoError(t, err)

	sent := []stream.Event{
		&stream.StoryStart{Base: stream.NewBase("story_start", stream.EventStoryStart), Title: "T"},
		&stream.SceneStart{Base: stream.NewBase("scene_11", stream.EventSceneStart), SceneIndex: "11", BgID: "bgab12"},
		&stream.StoryEnd{Base: stream.NewBase("story_end", stream.EventStoryEnd)},
	}
	for _, ev := range sent {
		require.NoError(t, sink.Send(context.Background(), ev))
	}

	str := cli.streams["req-1"]
	source := &fakeSource{ch: make(chan *streaming.Event, len(str.added))}
	str.source = source
	for i, entry := range str.added {
		source.ch <- &streaming.Event{ID: "1-" + string(rune('0'+i)), Payload: entry.payload}
	}
	close(source.ch)

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "req-1")
	require.NoError(t, err)
	defer cancel()

	var got []stream.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	for i, ev := range sent {
		assert.Equal(t, ev.ID(), got[i].ID())
		assert.Equal(t, ev.Type(), got[i].Type())
	}
	scene, ok := got[1].(*stream.SceneStart)
	require.True(t, ok, "events decode to their concrete variant")
	assert.Equal(t, "bgab12", scene.BgID)
	assert.Len(t, source.acked, 3)
	assert.Empty(t, errs)
}

func TestSubscribeDecodeFailure(t *testing.T) {
	source := &fakeSource{ch: make(chan *streaming.Event, 1)}
	cli := &fakeClient{streams: map[string]*fakeStream{
		"req-1": {source: source},
	}}
	source.ch <- &streaming.Event{Payload: []byte(`{"type":"wormhole","payload":{}}`)}
	close(source.ch)

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "req-1")
	require.NoError(t, err)
	defer cancel()

	require.Empty(t, events)
	assert.ErrorContains(t, <-errs, "unknown event type")
}

func TestNewRequiresRedis(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(nil, "req-1")
	assert.Error(t, err)
}
