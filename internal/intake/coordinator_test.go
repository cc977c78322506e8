package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/dayuer/stickerbot/internal/artifact"
	"github.com/dayuer/stickerbot/internal/bus"
	"github.com/dayuer/stickerbot/internal/compose"
	"github.com/dayuer/stickerbot/internal/ledger"
	"github.com/dayuer/stickerbot/internal/triggers"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type harness struct {
	coord      *Coordinator
	source     *fakeSource
	sender     *fakeSender
	fetcher    *fakeFetcher
	compositor *fakeCompositor
	ledgerPath string
	artifacts  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		source:     newFakeSource(),
		sender:     newFakeSender(),
		fetcher:    &fakeFetcher{errs: make(map[string]error), data: pngBytes(t, 4, 4, color.White)},
		compositor: &fakeCompositor{},
		ledgerPath: filepath.Join(dir, "ledger.json"),
		artifacts:  filepath.Join(dir, "stickers"),
	}
	store, err := artifact.NewStore(h.artifacts, 0, 0)
	require.NoError(t, err)

	l := ledger.Open(context.Background(), ledger.NewFileStore(h.ledgerPath), zap.NewNop())
	h.coord, err = New(Config{StepTimeout: time.Second}, Deps{
		Source:     h.source,
		Sender:     h.sender,
		Fetcher:    h.fetcher,
		Compositor: h.compositor,
		Artifacts:  store,
		Ledger:     l,
		Responder:  triggers.NewResponder(triggers.DefaultTable()),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) cycle(t *testing.T) CycleStats {
	t.Helper()
	stats, err := h.coord.Cycle(context.Background())
	require.NoError(t, err)
	return stats
}

func (h *harness) persisted(t *testing.T) map[string]string {
	t.Helper()
	data, err := os.ReadFile(h.ledgerPath)
	if os.IsNotExist(err) {
		return map[string]string{}
	}
	require.NoError(t, err)
	out := map[string]string{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func sticker(c, uri string) bus.IncomingEvent {
	return bus.Sticker(c, bus.ParseRef(uri))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestScenario_AliceStickerLifecycle(t *testing.T) {
	h := newHarness(t)

	// 1. first sticker is processed
	h.source.push(sticker("Alice", "http://x/a.png"))
	stats := h.cycle(t)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, h.fetcher.count())
	assert.Equal(t, 1, h.compositor.count())
	require.Equal(t, 1, h.sender.imagesTo("Alice"))
	assert.Equal(t, ledger.Processed, h.coord.Ledger().Get("Alice"))
	assert.Equal(t, "processed", h.persisted(t)["Alice"])

	edited := h.sender.images[0].Payload
	assert.Equal(t, h.artifacts, filepath.Dir(edited))
	assert.Regexp(t, `^edited_sticker_Alice_\d+_\d+\.png$`, filepath.Base(edited))
	assert.FileExists(t, edited)

	// 2. another sticker is ignored
	h.source.push(sticker("Alice", "http://x/b.png"))
	stats = h.cycle(t)
	assert.Equal(t, 1, stats.Ignored)
	assert.Equal(t, 1, h.fetcher.count())
	assert.Equal(t, 1, h.compositor.count())
	assert.Equal(t, 1, h.sender.imagesTo("Alice"))
	assert.Equal(t, ledger.Processed, h.coord.Ledger().Get("Alice"))

	// 3. reset token restores Idle
	h.coord.Responder().MarkAnswered("Alice", "hello")
	h.source.push(bus.Text("Alice", "0"))
	stats = h.cycle(t)
	assert.Equal(t, 1, stats.Reset)
	assert.Equal(t, ledger.Idle, h.coord.Ledger().Get("Alice"))
	assert.Equal(t, "idle", h.persisted(t)["Alice"])
	assert.Empty(t, h.coord.Responder().Answered("Alice"))

	// a fresh sticker is processed again
	h.source.push(sticker("Alice", "http://x/c.png"))
	h.cycle(t)
	assert.Equal(t, 2, h.sender.imagesTo("Alice"))
	assert.Equal(t, ledger.Processed, h.coord.Ledger().Get("Alice"))
}

func TestScenario_BobTriggerAnsweredOnce(t *testing.T) {
	h := newHarness(t)

	h.source.push(bus.Text("Bob", "hello"))
	stats := h.cycle(t)
	assert.Equal(t, 1, stats.Replied)

	h.source.push(bus.Text("Bob", "HELLO "))
	h.cycle(t)
	h.cycle(t)

	assert.Equal(t, []string{"Hello, I am starting your service, please send your sticker"}, h.sender.textsTo("Bob"))
	assert.Equal(t, ledger.Idle, h.coord.Ledger().Get("Bob"))

	// a different trigger is still answered
	h.source.push(bus.Text("Bob", "how are you doing"))
	h.cycle(t)
	assert.Len(t, h.sender.textsTo("Bob"), 2)
}

func TestScenario_CarolDownloadFails(t *testing.T) {
	h := newHarness(t)
	h.fetcher.errs["http://x/c.png"] = errNetwork

	h.source.push(sticker("Carol", "http://x/c.png"))
	outcome, err := h.coord.Process(context.Background(), "Carol")

	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, errNetwork)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepFetch, stepErr.Step)
	assert.Equal(t, "Carol", stepErr.Correspondent)

	assert.Equal(t, 0, h.compositor.count())
	assert.Equal(t, 0, h.sender.imagesTo("Carol"))
	assert.Equal(t, ledger.Idle, h.coord.Ledger().Get("Carol"))
	assert.NotContains(t, h.persisted(t), "Carol")
}

func TestFailedCompositeNeverMarksProcessed(t *testing.T) {
	h := newHarness(t)
	h.compositor.err = compose.ErrDecode

	h.source.push(sticker("Dave", "http://x/d.png"))
	stats := h.cycle(t)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, h.sender.imagesTo("Dave"))
	assert.Equal(t, ledger.Idle, h.coord.Ledger().Get("Dave"))

	_, err := h.coord.Process(context.Background(), "Dave")
	assert.ErrorIs(t, err, ErrComposite)
	assert.ErrorIs(t, err, compose.ErrDecode)
}

func TestFailedDeliveryRetriesWhileStillLatest(t *testing.T) {
	h := newHarness(t)
	h.sender.imageErr["Erin"] = errors.New("attach button missing")

	h.source.push(sticker("Erin", "http://x/e.png"))
	stats := h.cycle(t)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, ledger.Idle, h.coord.Ledger().Get("Erin"))

	delete(h.sender.imageErr, "Erin")
	stats = h.cycle(t)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, h.sender.imagesTo("Erin"))
	assert.Equal(t, 2, h.fetcher.count())
}

func TestCycleIsolation(t *testing.T) {
	h := newHarness(t)

	h.source.push(sticker("C1", "http://x/1.png"))
	h.source.push(sticker("C2", "http://x/2.png"))
	h.source.push(sticker("C3", "http://x/3.png"))
	h.source.push(sticker("C4", "http://x/4.png"))
	h.fetcher.errs["http://x/1.png"] = errNetwork
	h.source.latestErr["C2"] = errors.New("no message element")
	h.source.openErr["C3"] = errors.New("chat not found")

	stats := h.cycle(t)

	assert.Equal(t, 4, stats.Seen)
	assert.Equal(t, 3, stats.Failed)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, ledger.Processed, h.coord.Ledger().Get("C4"))
	for _, c := range []string{"C1", "C2", "C3"} {
		assert.Equal(t, ledger.Idle, h.coord.Ledger().Get(c), c)
	}
}

func TestClassificationFailureIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.source.push(bus.Text("Fay", "hello"))
	h.source.latestErr["Fay"] = errors.New("stale element")

	outcome, err := h.coord.Process(context.Background(), "Fay")
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrClassification)
	assert.Empty(t, h.sender.textsTo("Fay"))
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name    string
		initial ledger.Status
		event   bus.IncomingEvent
		want    Outcome
		next    ledger.Status
		texts   int
		images  int
	}{
		{"idle sticker", ledger.Idle, sticker("X", "http://x/s.png"), OutcomeProcessed, ledger.Processed, 0, 1},
		{"idle blob sticker", ledger.Idle, sticker("X", "blob:https://web.whatsapp.com/1"), OutcomeProcessed, ledger.Processed, 0, 1},
		{"idle reset", ledger.Idle, bus.Text("X", "0"), OutcomeNone, ledger.Idle, 0, 0},
		{"idle trigger", ledger.Idle, bus.Text("X", "hello3"), OutcomeReplied, ledger.Idle, 1, 0},
		{"idle other text", ledger.Idle, bus.Text("X", "hi there"), OutcomeNone, ledger.Idle, 0, 0},
		{"idle none", ledger.Idle, bus.None("X"), OutcomeNone, ledger.Idle, 0, 0},
		{"idle sticker without ref", ledger.Idle, bus.Sticker("X", bus.Ref{}), OutcomeNone, ledger.Idle, 0, 0},
		{"processed sticker", ledger.Processed, sticker("X", "http://x/s.png"), OutcomeIgnored, ledger.Processed, 0, 0},
		{"processed reset", ledger.Processed, bus.Text("X", " 0 "), OutcomeReset, ledger.Idle, 0, 0},
		{"processed trigger", ledger.Processed, bus.Text("X", "hello"), OutcomeNone, ledger.Processed, 0, 0},
		{"processed none", ledger.Processed, bus.None("X"), OutcomeNone, ledger.Processed, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			require.NoError(t, h.coord.Ledger().Set(ctx, "X", tt.initial))

			got, err := h.coord.Handle(ctx, "X", tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.next, h.coord.Ledger().Get("X"))
			assert.Len(t, h.sender.textsTo("X"), tt.texts)
			assert.Equal(t, tt.images, h.sender.imagesTo("X"))
		})
	}
}

func TestTriggerMarkedOnlyAfterSend(t *testing.T) {
	h := newHarness(t)
	h.sender.textErr["Gus"] = errors.New("compose box missing")

	h.source.push(bus.Text("Gus", "hello"))
	stats := h.cycle(t)
	assert.Equal(t, 1, stats.Failed)
	assert.False(t, h.coord.Responder().HasAnswered("Gus", "hello"))

	delete(h.sender.textErr, "Gus")
	h.cycle(t)
	h.cycle(t)
	assert.Len(t, h.sender.textsTo("Gus"), 1)
	assert.True(t, h.coord.Responder().HasAnswered("Gus", "hello"))
}

func TestProcessedStickerClearsTriggers(t *testing.T) {
	h := newHarness(t)

	h.source.push(bus.Text("Hal", "hello"))
	h.cycle(t)
	require.True(t, h.coord.Responder().HasAnswered("Hal", "hello"))

	h.source.push(sticker("Hal", "http://x/h.png"))
	h.cycle(t)
	assert.Empty(t, h.coord.Responder().Answered("Hal"))
}

func TestCycle_UnreadFailure(t *testing.T) {
	h := newHarness(t)
	h.source.unreadErr = errors.New("browser closed")

	_, err := h.coord.Cycle(context.Background())
	assert.ErrorIs(t, err, ErrClassification)
}

func TestCycle_DeduplicatesNames(t *testing.T) {
	h := newHarness(t)
	h.source.push(sticker("Ivy", "http://x/i.png"))
	h.source.unread = append(h.source.unread, "Ivy", "")

	stats := h.cycle(t)
	assert.Equal(t, 1, stats.Seen)
	assert.Equal(t, 1, h.fetcher.count())
}

func TestCycle_CancelledContextStopsBetweenCorrespondents(t *testing.T) {
	h := newHarness(t)
	h.source.push(sticker("A", "http://x/a.png"))
	h.source.push(sticker("B", "http://x/b.png"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := h.coord.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Seen)
	assert.Equal(t, 0, h.fetcher.count())
}

func TestDegradedLedgerStillServes(t *testing.T) {
	h := newHarness(t)
	// make the ledger path a directory so writes fail
	require.NoError(t, os.MkdirAll(h.ledgerPath, 0755))

	h.source.push(sticker("Jo", "http://x/j.png"))
	stats := h.cycle(t)
	assert.Equal(t, 1, stats.Processed)
	assert.True(t, h.coord.Ledger().Degraded())
	assert.Equal(t, ledger.Processed, h.coord.Ledger().Get("Jo"))

	h.source.push(sticker("Jo", "http://x/j2.png"))
	h.cycle(t)
	assert.Equal(t, 1, h.sender.imagesTo("Jo"))
}

func TestPipeline_RealCompositor(t *testing.T) {
	h := newHarness(t)
	tmpl := pngBytes(t, 20, 20, color.White)
	comp, err := compose.New(tmpl, compose.Options{Scale: 0.5, Format: compose.FormatPNG})
	require.NoError(t, err)
	h.coord.compositor = comp
	h.fetcher.data = pngBytes(t, 10, 10, color.RGBA{R: 255, A: 255})

	h.source.push(sticker("Kim", "http://x/k.png"))
	stats := h.cycle(t)
	require.Equal(t, 1, stats.Processed)

	data, err := os.ReadFile(h.sender.images[0].Payload)
	require.NoError(t, err)
	out, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 20), out.Bounds())

	r, g, _, _ := out.At(10, 10).RGBA()
	assert.Greater(t, r, uint32(0xf000))
	assert.Less(t, g, uint32(0x1000))
	r, g, _, _ = out.At(1, 1).RGBA()
	assert.Greater(t, g, uint32(0xf000), "corner keeps the template")
	assert.Greater(t, r, uint32(0xf000))
}

func TestPipeline_WithoutArtifactStoreRemovesTempImage(t *testing.T) {
	h := newHarness(t)
	h.coord.artifacts = nil

	h.source.push(sticker("Max", "http://x/m.png"))
	stats := h.cycle(t)
	require.Equal(t, 1, stats.Processed)

	require.Len(t, h.sender.images, 1)
	img := h.sender.images[0]
	assert.Equal(t, append([]byte("edited:"), h.fetcher.data...), img.Data, "complete file at send time")
	assert.NoFileExists(t, img.Payload)
}

func TestPipeline_WithoutArtifactStoreRemovesTempImageOnFailedDelivery(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	h := newHarness(t)
	h.coord.artifacts = nil
	h.sender.imageErr["Max"] = errNetwork

	h.source.push(sticker("Max", "http://x/m.png"))
	stats := h.cycle(t)
	require.Equal(t, 1, stats.Failed)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_CommandsAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.coord.pollInterval = time.Hour
	h.source.push(sticker("Lee", "http://x/l.png"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cmdCancel()

	// the first cycle runs before commands are served
	prev, err := h.coord.Reset(cmdCtx, "Lee")
	require.NoError(t, err)
	assert.Equal(t, ledger.Processed, prev)
	assert.Equal(t, ledger.Idle, h.coord.Ledger().Get("Lee"))
	assert.Equal(t, "idle", h.persisted(t)["Lee"])

	table := []triggers.Trigger{{Phrase: "oi", Reply: "Olá!"}, {Phrase: "0", Reply: "zero"}}
	require.NoError(t, h.coord.Reload(cmdCtx, Settings{ResetToken: "x", Triggers: table}))
	assert.Equal(t, table, h.coord.Responder().Table())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	// commands after shutdown give up with the caller's context
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	_, err = h.coord.Reset(shortCtx, "Lee")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the reloaded token resets, and the old one is now an ordinary trigger
	ctx = context.Background()
	out, err := h.coord.Handle(ctx, "Lee", sticker("Lee", "http://x/l2.png"))
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, out)
	out, err = h.coord.Handle(ctx, "Lee", bus.Text("Lee", "x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReset, out)
	out, err = h.coord.Handle(ctx, "Lee", bus.Text("Lee", "0"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, out)
	assert.Equal(t, []string{"zero"}, h.sender.textsTo("Lee"))
}

func TestReload_EmptyTokenKeepsCurrent(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.coord.pollInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cmdCancel()
	require.NoError(t, h.coord.Reload(cmdCtx, Settings{Triggers: triggers.DefaultTable()}))
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "0", h.coord.resetToken)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "processed", OutcomeProcessed.String())
	assert.Equal(t, "none", Outcome(99).String())
}
