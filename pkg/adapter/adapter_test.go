package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GridLLM/GridLLM/pkg/gwerrors"
	"github.com/GridLLM/GridLLM/pkg/gwtypes"
	"github.com/GridLLM/GridLLM/pkg/scheduler"
)

func testRequest() gwtypes.InferenceRequest {
	return gwtypes.InferenceRequest{
		ID:      "job-1",
		Model:   "llama",
		Payload: gwtypes.Payload{Kind: gwtypes.KindGenerate, Prompt: "hello"},
	}
}

func TestAdapter_DispatchStreamingDeliversChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"hel"}`)
		fmt.Fprintln(w, `{"response":"lo"}`)
		fmt.Fprintln(w, `{"done":true,"done_reason":"stop","prompt_eval_count":1,"eval_count":2}`)
	}))
	defer srv.Close()

	a := New(time.Second)
	var got []scheduler.AdapterChunk
	err := a.DispatchStreaming(context.Background(), srv.URL, testRequest(), func(c scheduler.AdapterChunk) {
		got = append(got, c)
	})

	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "hel", got[0].Text)
	assert.Equal(t, "lo", got[1].Text)
	assert.True(t, got[2].Done)
	assert.Equal(t, "stop", got[2].FinishReason)
	assert.Equal(t, 1, got[2].PromptEvalCount)
	assert.Equal(t, 2, got[2].EvalCount)
}

func TestAdapter_DispatchStreamingReadsNestedMessageContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"hel"}}`)
		fmt.Fprintln(w, `{"done":true,"eval_count":1}`)
	}))
	defer srv.Close()

	a := New(time.Second)
	var got []scheduler.AdapterChunk
	err := a.DispatchStreaming(context.Background(), srv.URL, testRequest(), func(c scheduler.AdapterChunk) {
		got = append(got, c)
	})

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hel", got[0].Text)
	assert.Equal(t, "stop", got[1].FinishReason, "no done_reason but tokens were generated: stop")
}

func TestAdapter_DispatchStreamingDerivesLengthWhenNoReasonAndNoTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"done":true,"eval_count":0}`)
	}))
	defer srv.Close()

	a := New(time.Second)
	var got []scheduler.AdapterChunk
	err := a.DispatchStreaming(context.Background(), srv.URL, testRequest(), func(c scheduler.AdapterChunk) {
		got = append(got, c)
	})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "length", got[0].FinishReason)
}

func TestAdapter_ServerErrorMapsToWorkerLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New(time.Second)
	err := a.DispatchStreaming(context.Background(), srv.URL, testRequest(), func(scheduler.AdapterChunk) {})
	assert.ErrorIs(t, err, gwerrors.ErrWorkerLost)
}

func TestAdapter_ClientErrorMapsToWorkerReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := New(time.Second)
	err := a.DispatchStreaming(context.Background(), srv.URL, testRequest(), func(scheduler.AdapterChunk) {})
	assert.ErrorIs(t, err, gwerrors.ErrWorkerReportedError)
}

func TestAdapter_WireErrorRecordMapsToWorkerReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"partial"}`)
		fmt.Fprintln(w, `{"error":"out of memory"}`)
	}))
	defer srv.Close()

	a := New(time.Second)
	var got []scheduler.AdapterChunk
	err := a.DispatchStreaming(context.Background(), srv.URL, testRequest(), func(c scheduler.AdapterChunk) {
		got = append(got, c)
	})
	assert.ErrorIs(t, err, gwerrors.ErrWorkerReportedError)
	assert.Len(t, got, 1, "the chunk delivered before the error record should still reach the caller")
}

func TestAdapter_ConnectionClosedBeforeDoneMapsToWorkerLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"partial"}`)
	}))
	defer srv.Close()

	a := New(time.Second)
	err := a.DispatchStreaming(context.Background(), srv.URL, testRequest(), func(scheduler.AdapterChunk) {})
	assert.ErrorIs(t, err, gwerrors.ErrWorkerLost)
}

func TestAdapter_TruncatedFinalRecordMapsToTransportCorrupt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"partial"}`)
		// No trailing newline: the connection drops mid-record instead
		// of between records.
		fmt.Fprint(w, `{"response":"cut off`)
	}))
	defer srv.Close()

	a := New(time.Second)
	var got []scheduler.AdapterChunk
	err := a.DispatchStreaming(context.Background(), srv.URL, testRequest(), func(c scheduler.AdapterChunk) {
		got = append(got, c)
	})
	assert.ErrorIs(t, err, gwerrors.ErrTransportCorrupt)
	assert.Len(t, got, 1, "the chunk delivered before the truncated record should still reach the caller")
}

func TestAdapter_RepeatedMalformedRecordsMapToTransportCorrupt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `not json`)
		fmt.Fprintln(w, `still not json`)
		fmt.Fprintln(w, `nope`)
	}))
	defer srv.Close()

	a := New(time.Second)
	err := a.DispatchStreaming(context.Background(), srv.URL, testRequest(), func(scheduler.AdapterChunk) {})
	assert.ErrorIs(t, err, gwerrors.ErrTransportCorrupt)
}

func TestAdapter_BuildWireRequestSerializesOnlySetOptions(t *testing.T) {
	temp := 0.7
	req := gwtypes.InferenceRequest{
		ID:      "job-1",
		Model:   "llama",
		Payload: gwtypes.Payload{Kind: gwtypes.KindChat, Messages: []gwtypes.ChatMessage{{Role: "user", Content: "hi"}}},
		Options: gwtypes.PassthroughOptions{Temperature: &temp},
	}
	wr := buildWireRequest(req)
	assert.Equal(t, "chat", wr.Kind)
	assert.Equal(t, req.Payload.Messages, wr.Messages)
	assert.Equal(t, 0.7, wr.Options["temperature"])
	assert.NotContains(t, wr.Options, "top_p")
}

func TestAdapter_CancelIsBestEffort(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := New(time.Second)
	assert.NotPanics(t, func() { a.Cancel(context.Background(), srv.URL, "job-1") })
	assert.Equal(t, "/v1/cancel/job-1", gotPath)
}
