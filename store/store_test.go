package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/storyloom/loom/stream"
)

var (
	testClient      *mongodriver.Client
	testContainer   testcontainers.Container
	skipIntegration bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testContainer.Host(ctx)
		if err == nil {
			port, perr := testContainer.MappedPort(ctx, "27017")
			if perr == nil {
				uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
				testClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
				if err != nil {
					skipIntegration = true
				} else {
					pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
					if testClient.Ping(pingCtx, nil) != nil {
						skipIntegration = true
					}
					cancel()
				}
			} else {
				skipIntegration = true
			}
		} else {
			skipIntegration = true
		}
	}

	code := m.Run()

	if testClient != nil {
		_ = testClient.Disconnect(ctx)
	}
	if testContainer != nil {
		_ = testContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func getArchive(t *testing.T) *Archive {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	a, err := New(Options{Client: testClient, Database: "loom_test_" + uuid.NewString()[:8]})
	require.NoError(t, err)
	return a
}

func sampleEvents() []stream.Event {
	return []stream.Event{
		&stream.StoryStart{Base: stream.NewBase("story_start", stream.EventStoryStart), Title: "The Lighthouse"},
		&stream.SceneStart{Base: stream.NewBase("scene_11", stream.EventSceneStart), SceneIndex: "11", BgID: "bgab12"},
		&stream.Dialogue{Base: stream.NewBase("dialogue_111", stream.EventDialogue), Character: "Mara", Text: "Hello."},
		&stream.StoryEnd{Base: stream.NewBase("story_end", stream.EventStoryEnd)},
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	a := getArchive(t)
	ctx := context.Background()

	run := Run{
		RequestID:  "req-1",
		Title:      "The Lighthouse",
		Script:     "<story>...</story>",
		Characters: []string{"Mara", "Joss"},
	}
	require.NoError(t, a.Archive(ctx, run, sampleEvents()))

	got, err := a.LoadRun(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "The Lighthouse", got.Title)
	assert.Equal(t, []string{"Mara", "Joss"}, got.Characters)
	assert.Equal(t, 4, got.EventCount)
	assert.False(t, got.CreatedAt.IsZero())

	events, err := a.LoadEvents(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "story_start", events[0].ID())
	dlg, ok := events[2].(*stream.Dialogue)
	require.True(t, ok, "events replay as their concrete variant")
	assert.Equal(t, "Mara", dlg.Character)
	assert.Equal(t, "story_end", events[3].ID())
}

func TestArchiveReplacesRun(t *testing.T) {
	a := getArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Archive(ctx, Run{RequestID: "req-1", Title: "v1"}, sampleEvents()))
	require.NoError(t, a.Archive(ctx, Run{RequestID: "req-1", Title: "v2"}, sampleEvents()[:2]))

	got, err := a.LoadRun(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Title)
	assert.Equal(t, 2, got.EventCount)

	events, err := a.LoadEvents(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, events, 2, "event log is rewritten, not appended")
}

func TestLoadRunNotFound(t *testing.T) {
	a := getArchive(t)
	_, err := a.LoadRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	a := getArchive(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, a.Archive(ctx, Run{RequestID: "req-old", CreatedAt: old}, nil))
	require.NoError(t, a.Archive(ctx, Run{RequestID: "req-new"}, nil))

	runs, err := a.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "req-new", runs[0].RequestID)
	assert.Equal(t, "req-old", runs[1].RequestID)
}
