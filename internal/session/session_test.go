package session

import (
	"bufio"
	"context"
	"encoding/json"
	"math/big"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kaspa-stratum/bridge/internal/extranonce"
	"github.com/kaspa-stratum/bridge/internal/job"
	"github.com/kaspa-stratum/bridge/internal/kaspahash"
	"github.com/kaspa-stratum/bridge/internal/share"
	"github.com/kaspa-stratum/bridge/internal/vardiff"
)

// acceptingHasher always returns a near-zero hash so any share, against
// any target, is accepted and counts as a block.
type acceptingHasher struct{}

func (acceptingHasher) PrePowHash(headerPrePow []byte) kaspahash.Digest { return kaspahash.Digest{} }
func (acceptingHasher) PowHash(prePow kaspahash.Digest, timestamp int64, nonce uint64) kaspahash.Digest {
	var d kaspahash.Digest
	d[31] = 1
	return d
}

func newTestDeps(t *testing.T, registry *job.Registry) Deps {
	t.Helper()
	validator, err := share.NewValidator(registry, acceptingHasher{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return Deps{
		Jobs:      registry,
		Allocator: extranonce.New(),
		VarDiff:   vardiff.DefaultConfig(),
		Validator: validator,
		Timeouts: Timeouts{
			Subscribe: time.Second,
			Authorize: time.Second,
			Idle:      time.Minute,
			RPCCall:   time.Second,
		},
		Logger: zap.NewNop(),
	}
}

func readFrame(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(line, &m); err != nil {
		t.Fatalf("unmarshaling frame %q: %v", line, err)
	}
	return m
}

func TestHandshakeAndAuthorize(t *testing.T) {
	registry := job.NewRegistry()
	registry.Publish(1, big.NewInt(0).SetBytes(onesBytes(32)), []byte("hdr"), []byte("cb"), 1000, time.Now())

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, newTestDeps(t, registry))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	clientReader := bufio.NewReader(clientConn)

	clientConn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["IceRiverMiner/1.0"]}` + "\n"))
	resp := readFrame(t, clientReader)
	if resp["error"] != nil {
		t.Fatalf("subscribe returned error: %v", resp["error"])
	}
	readFrame(t, clientReader) // mining.set_extranonce (IceRiver sends one after subscribe)

	clientConn.Write([]byte(`{"id":2,"method":"mining.authorize","params":["worker.1",""]}` + "\n"))
	authResp := readFrame(t, clientReader)
	if authResp["result"] != true {
		t.Fatalf("authorize result = %v, want true", authResp["result"])
	}

	// authorize triggers a set_difficulty notification before any job.
	diffNotif := readFrame(t, clientReader)
	if diffNotif["method"] != "mining.set_difficulty" {
		t.Fatalf("expected mining.set_difficulty, got %v", diffNotif["method"])
	}

	// The session turns active once the initial mining.notify is written.
	notify := readFrame(t, clientReader)
	if notify["method"] != "mining.notify" {
		t.Fatalf("expected mining.notify, got %v", notify["method"])
	}
	deadline := time.Now().Add(time.Second)
	for s.State() != StateActive && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.State() != StateActive {
		t.Errorf("expected session state active, got %v", s.State())
	}
}

func TestSubmitAcceptedAfterAuthorize(t *testing.T) {
	registry := job.NewRegistry()
	j := registry.Publish(1, big.NewInt(0).SetBytes(onesBytes(32)), []byte("hdr"), []byte("cb"), 1000, time.Now())

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, newTestDeps(t, registry))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	clientReader := bufio.NewReader(clientConn)

	clientConn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["IceRiverMiner/1.0"]}` + "\n"))
	readFrame(t, clientReader) // subscribe result
	readFrame(t, clientReader) // mining.set_extranonce
	clientConn.Write([]byte(`{"id":2,"method":"mining.authorize","params":["worker.1",""]}` + "\n"))
	readFrame(t, clientReader) // authorize result
	readFrame(t, clientReader) // set_difficulty
	readFrame(t, clientReader) // mining.notify (authorize immediately sends the latest job)

	submit := map[string]interface{}{
		"id":     3,
		"method": "mining.submit",
		"params": []interface{}{"worker.1", fmtHex(j.ID), "", "", "1"},
	}
	data, _ := json.Marshal(submit)
	clientConn.Write(append(data, '\n'))

	result := readFrame(t, clientReader)
	if result["result"] != true {
		t.Fatalf("expected submit to be accepted, got %v", result)
	}
}

func onesBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xff
	}
	return b
}

func fmtHex(id uint32) string {
	return (func() string {
		const hexdigits = "0123456789abcdef"
		if id == 0 {
			return "0"
		}
		var buf [8]byte
		i := len(buf)
		for id > 0 {
			i--
			buf[i] = hexdigits[id%16]
			id /= 16
		}
		return string(buf[i:])
	})()
}
