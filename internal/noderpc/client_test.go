package noderpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetBlockTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rawTemplate{
			Height:           100,
			NetworkTargetHex: "ff",
			HeaderPrePowHex:  "aabb",
			CoinbaseHex:      "ccdd",
			Timestamp:        1234,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	tmpl, err := c.GetBlockTemplate(context.Background(), "kaspa:example")
	if err != nil {
		t.Fatal(err)
	}
	if tmpl.Height != 100 {
		t.Errorf("height = %d, want 100", tmpl.Height)
	}
	if tmpl.NetworkTarget.Int64() != 0xff {
		t.Errorf("network target = %v, want 255", tmpl.NetworkTarget)
	}
}

func TestGetBlockTemplateNodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	if _, err := c.GetBlockTemplate(context.Background(), "kaspa:example"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestSubmitBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"accepted": true, "reason": ""})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	result, err := c.SubmitBlock(context.Background(), &Block{Header: []byte{1, 2, 3}, Nonce: 42})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Accepted {
		t.Error("expected block to be accepted")
	}
}

func TestSubscribeTemplatesEmitsOnHeightChange(t *testing.T) {
	heights := []uint64{1, 1, 2}
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := heights[call]
		if call < len(heights)-1 {
			call++
		}
		json.NewEncoder(w).Encode(rawTemplate{
			Height:           h,
			NetworkTargetHex: "ff",
			HeaderPrePowHex:  "aa",
			CoinbaseHex:      "bb",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second).WithPollInterval(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch, err := c.SubscribeTemplates(ctx, "kaspa:example")
	if err != nil {
		t.Fatal(err)
	}

	first := <-ch
	if first.Height != 1 {
		t.Fatalf("first template height = %d, want 1", first.Height)
	}
	second := <-ch
	if second.Height != 2 {
		t.Fatalf("second template height = %d, want 2", second.Height)
	}
}
