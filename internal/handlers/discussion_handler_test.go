package handlers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.consensus/internal/discussion"
	"dev.helix.consensus/internal/llm"
	"dev.helix.consensus/internal/llm/llmtest"
	"dev.helix.consensus/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func agreeReply(confidence int, solution string) string {
	return discussion.BuildConsensusReply(models.ConsensusVote{
		HasConsensus:     true,
		Confidence:       confidence,
		Reasoning:        "Both sides converged.",
		ProposedSolution: solution,
	})
}

// newTestRouter wires a fresh handler over scripted providers registered as
// "prov-a" and "prov-b".
func newTestRouter(t *testing.T, providerA, providerB *llmtest.ScriptedProvider) (*gin.Engine, *DiscussionHandler) {
	t.Helper()

	registry := llm.NewRegistry()
	registry.Register("prov-a", providerA, nil)
	registry.Register("prov-b", providerB, nil)

	handler := NewDiscussionHandler(registry, models.DefaultDiscussionOptions(), nil, quietLogger())
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, handler
}

func startBody(prompt string, options map[string]any) []byte {
	body := map[string]any{
		"prompt": prompt,
		"modelA": map[string]any{"modelId": "model-a", "providerId": "prov-a"},
		"modelB": map[string]any{"modelId": "model-b", "providerId": "prov-b", "displayName": "Critic"},
	}
	if options != nil {
		body["options"] = options
	}
	raw, _ := json.Marshal(body)
	return raw
}

type sseFrame struct {
	Event string
	Data  map[string]any
}

func parseFrames(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var frame sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				frame.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame.Data))
			}
		}
		if frame.Event != "" {
			frames = append(frames, frame)
		}
	}
	return frames
}

func postDiscussion(router *gin.Engine, body []byte) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/discussions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestStartDiscussionRejectsMalformedJSON(t *testing.T) {
	router, _ := newTestRouter(t, llmtest.NewScriptedProvider(), llmtest.NewScriptedProvider())

	recorder := postDiscussion(router, []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestStartDiscussionValidatesPromptLength(t *testing.T) {
	cases := []struct {
		length   int
		streamed bool
	}{
		{9, false},
		{10, true},
		{10000, true},
		{10001, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("len_%d", tc.length), func(t *testing.T) {
			providerA := llmtest.NewScriptedProvider(
				llmtest.Step{Text: "Opening analysis."},
				llmtest.Step{Text: agreeReply(90, "Ship the first proposal.")},
			)
			providerB := llmtest.NewScriptedProvider(
				llmtest.Step{Text: "Counter analysis."},
				llmtest.Step{Text: agreeReply(85, "Ship the first proposal.")},
			)
			router, _ := newTestRouter(t, providerA, providerB)

			recorder := postDiscussion(router, startBody(strings.Repeat("x", tc.length), nil))
			if tc.streamed {
				assert.Equal(t, http.StatusOK, recorder.Code)
				assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))
			} else {
				assert.Equal(t, http.StatusBadRequest, recorder.Code)
				assert.Contains(t, recorder.Body.String(), "prompt")
			}
		})
	}
}

func TestStartDiscussionValidatesOptions(t *testing.T) {
	router, _ := newTestRouter(t, llmtest.NewScriptedProvider(), llmtest.NewScriptedProvider())

	recorder := postDiscussion(router, startBody("Design a rate limiter.", map[string]any{"maxIterations": 1}))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = postDiscussion(router, startBody("Design a rate limiter.", map[string]any{"temperature": 2.5}))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestStartDiscussionStreamsFullRun(t *testing.T) {
	providerA := llmtest.NewScriptedProvider(
		llmtest.Step{Chunks: []string{"Use a ", "token bucket."}},
		llmtest.Step{Text: agreeReply(90, "Adopt a token bucket limiter.")},
	)
	providerB := llmtest.NewScriptedProvider(
		llmtest.Step{Text: "Agreed, token bucket with burst headroom."},
		llmtest.Step{Text: agreeReply(80, "Adopt a token bucket limiter.")},
	)
	router, handler := newTestRouter(t, providerA, providerB)

	recorder := postDiscussion(router, startBody("Design a rate limiter for a public API.", map[string]any{
		"minRoundsBeforeConsensus": 1,
	}))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "no-cache, no-transform", recorder.Header().Get("Cache-Control"))
	assert.Equal(t, "no", recorder.Header().Get("X-Accel-Buffering"))

	frames := parseFrames(t, recorder.Body.String())
	require.NotEmpty(t, frames)

	var names []string
	for _, frame := range frames {
		names = append(names, frame.Event)
	}
	assert.Equal(t, []string{
		"discussion-started",
		"round-started",
		"turn-started",
		"turn-chunk",
		"turn-chunk",
		"turn-completed",
		"turn-started",
		"turn-chunk",
		"turn-completed",
		"consensus-check-started",
		"consensus-vote",
		"consensus-vote",
		"consensus-result",
		"round-completed",
		"discussion-completed",
	}, names)

	id, _ := frames[0].Data["discussionId"].(string)
	require.NotEmpty(t, id)
	for _, frame := range frames {
		assert.Equal(t, id, frame.Data["discussionId"])
	}

	final := frames[len(frames)-1]
	assert.Equal(t, string(models.StopConsensusReached), final.Data["stoppingReason"])
	consensus, ok := final.Data["finalConsensus"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Adopt a token bucket limiter.", consensus["solution"])
	assert.Equal(t, float64(1), consensus["achievedAtRound"])

	// Run finished, so its id is no longer addressable.
	assert.Zero(t, handler.ActiveCount())
}

func TestStartDiscussionReportsProviderFailureOnStream(t *testing.T) {
	providerA := llmtest.NewScriptedProvider(llmtest.Step{
		Err: models.NewProviderFailure(models.ProviderAuthError, "invalid api key", nil),
	})
	router, _ := newTestRouter(t, providerA, llmtest.NewScriptedProvider())

	recorder := postDiscussion(router, startBody("Design a rate limiter for a public API.", nil))
	require.Equal(t, http.StatusOK, recorder.Code, "post-validation failures stream, never 4xx")

	frames := parseFrames(t, recorder.Body.String())
	require.NotEmpty(t, frames)
	final := frames[len(frames)-1]
	assert.Equal(t, "discussion-error", final.Event)

	errData, ok := final.Data["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(models.ErrCodeTurnFailed), errData["code"])
}

func TestStartDiscussionUnknownProviderStreamsInitFailure(t *testing.T) {
	router, _ := newTestRouter(t, llmtest.NewScriptedProvider(), llmtest.NewScriptedProvider())

	body := startBody("Design a rate limiter for a public API.", nil)
	body = bytes.ReplaceAll(body, []byte("prov-a"), []byte("prov-missing"))

	recorder := postDiscussion(router, body)
	require.Equal(t, http.StatusOK, recorder.Code)

	frames := parseFrames(t, recorder.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "discussion-error", frames[0].Event)
	errData := frames[0].Data["error"].(map[string]any)
	assert.Equal(t, string(models.ErrCodeInitializationFailed), errData["code"])
}

func TestAbortEndpointDuringLiveRun(t *testing.T) {
	providerA := llmtest.NewScriptedProvider(llmtest.Step{
		Chunks:     chunkRepeat("more analysis ", 200),
		ChunkDelay: 10 * time.Millisecond,
	})
	router, _ := newTestRouter(t, providerA, llmtest.NewScriptedProvider())

	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/discussions", "application/json",
		bytes.NewReader(startBody("Design a rate limiter for a public API.", nil)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	first := readFrame(t, reader)
	require.Equal(t, "discussion-started", first.Event)
	id := first.Data["discussionId"].(string)

	statusResp, err := http.Get(server.URL + "/v1/discussions/" + id + "/status")
	require.NoError(t, err)
	statusResp.Body.Close()
	assert.Equal(t, http.StatusOK, statusResp.StatusCode)

	abortResp, err := http.Post(server.URL+"/v1/discussions/"+id+"/abort", "application/json", nil)
	require.NoError(t, err)
	var abortBody map[string]any
	require.NoError(t, json.NewDecoder(abortResp.Body).Decode(&abortBody))
	abortResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, abortResp.StatusCode)
	assert.Equal(t, "aborting", abortBody["status"])

	var last sseFrame
	for {
		frame, ok := tryReadFrame(reader)
		if !ok {
			break
		}
		last = frame
	}
	assert.Equal(t, "discussion-aborted", last.Event)
	assert.Equal(t, discussion.AbortReason, last.Data["reason"])
}

func TestAbortUnknownDiscussion(t *testing.T) {
	router, _ := newTestRouter(t, llmtest.NewScriptedProvider(), llmtest.NewScriptedProvider())

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/discussions/nope/abort", nil)
	router.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestStatusUnknownDiscussion(t *testing.T) {
	router, _ := newTestRouter(t, llmtest.NewScriptedProvider(), llmtest.NewScriptedProvider())

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/discussions/nope/status", nil)
	router.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, llmtest.NewScriptedProvider(), llmtest.NewScriptedProvider())

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "consensusd", body["service"])
}

func chunkRepeat(chunk string, n int) []string {
	chunks := make([]string, n)
	for i := range chunks {
		chunks[i] = chunk
	}
	return chunks
}

// readFrame blocks until one full SSE frame arrives.
func readFrame(t *testing.T, reader *bufio.Reader) sseFrame {
	t.Helper()
	frame, ok := tryReadFrame(reader)
	require.True(t, ok, "stream ended before a frame arrived")
	return frame
}

func tryReadFrame(reader *bufio.Reader) (sseFrame, bool) {
	var frame sseFrame
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return frame, false
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			frame.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			_ = json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame.Data)
		case line == "" && frame.Event != "":
			return frame, true
		}
	}
}
