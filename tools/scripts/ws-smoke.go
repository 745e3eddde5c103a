// Package main provides a CI-friendly WebSocket smoke test for the runhub push gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/hello_ack session establishment
//   - subscribe -> subscribed for the party's own topics
//   - forbidden for another party's topic
//   - bad_json without dropping the connection
//   - optionally, one pushed event (send a message meanwhile, e.g. with `runhub send`)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/RUNHUB2131/runhub-link-sub000/shared/contracts/push/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL       = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin      = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		party       = flag.String("party", "club-1", "Party id sent in hello")
		partyHeader = flag.String("party-header", "", "Send the party id in this header too (auth proxy emulation)")
		other       = flag.String("other", "brand-1", "Another party whose topic must be forbidden")
		convID      = flag.String("conv", "", "Conversation to subscribe to (must include -party)")
		waitEvent   = flag.Duration("wait-event", 0, "Wait this long for one pushed event (0 skips)")
		timeout     = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	h := http.Header{}
	if strings.TrimSpace(*origin) != "" {
		h.Set("Origin", *origin)
	}
	if strings.TrimSpace(*partyHeader) != "" {
		h.Set(*partyHeader, *party)
	}

	a := mustConnect(root, "A", *wsURL, h, *party, *timeout)
	defer closeWS(a.conn)
	if *verbose {
		fmt.Printf("connected: A=%s party=%s origin=%q\n", a.sessionID, *party, *origin)
	}

	own := v1.PartyMessagesTopic(*party)
	mustSubscribe(root, a, own, *timeout)

	mustForbidden(root, a, v1.PartyMessagesTopic(*other), *timeout)

	if *convID != "" {
		mustSubscribe(root, a, v1.ConversationMessagesTopic(*convID), *timeout)
	}

	mustWriteRaw(root, a.conn, []byte("{not json"), *timeout)
	mustErrorCode(root, a, "bad_json", *timeout)

	if *waitEvent > 0 {
		ev := a.mustReadEvent(root, *waitEvent)
		fmt.Printf("event: topic=%s kind=%s\n", ev.Topic, ev.Kind)
	}

	mustWriteEnvelope(root, a, v1.TypeUnsubscribe, v1.SubscribePayload{Topic: own}, *timeout)

	fmt.Printf("OK: A=%s party=%s\n", a.sessionID, *party)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL string, h http.Header, party string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteEnvelope(parent, c, v1.TypeHello, v1.HelloPayload{PartyID: party}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, topic string, stepTimeout time.Duration) {
	mustWriteEnvelope(parent, c, v1.TypeSubscribe, v1.SubscribePayload{Topic: topic}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeSubscribed, stepTimeout)
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal subscribed payload (%s): %v", c.name, err)
	}
	if p.Topic != topic {
		fatalf("subscribed topic mismatch (%s): got=%q want=%q", c.name, p.Topic, topic)
	}
}

func mustForbidden(parent context.Context, c *smokeClient, topic string, stepTimeout time.Duration) {
	mustWriteEnvelope(parent, c, v1.TypeSubscribe, v1.SubscribePayload{Topic: topic}, stepTimeout)

	ep := mustErrorCode(parent, c, "forbidden", stepTimeout)
	if ep.Topic != topic {
		fatalf("forbidden topic mismatch (%s): got=%q want=%q", c.name, ep.Topic, topic)
	}
}

func mustErrorCode(parent context.Context, c *smokeClient, code string, stepTimeout time.Duration) v1.ErrorPayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.next(ctx, v1.TypeError)
		if env.Type != v1.TypeError {
			continue
		}
		var ep v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &ep); err != nil {
			fatalf("unmarshal error payload (%s): %v", c.name, err)
		}
		if ep.Code != code {
			fatalf("error code mismatch (%s): got=%q want=%q msg=%q", c.name, ep.Code, code, ep.Message)
		}
		return ep
	}
}

func (c *smokeClient) mustReadEvent(parent context.Context, wait time.Duration) v1.EventPayload {
	env := c.mustReadUntilType(parent, v1.TypeEvent, wait)

	var ev v1.EventPayload
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		fatalf("unmarshal event payload (%s): %v", c.name, err)
	}
	if ev.Topic == "" || ev.Kind == "" || len(ev.Record) == 0 {
		fatalf("incomplete event (%s): %+v", c.name, ev)
	}
	return ev
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.next(ctx, wantType)
		if env.Type == wantType {
			return env
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
		}
		// Events may interleave with control replies.
		if env.Type == v1.TypeEvent {
			continue
		}
		fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
	}
}

func (c *smokeClient) next(ctx context.Context, waitingFor string) v1.Envelope {
	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q (%s): %v", waitingFor, c.name, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %q (%s): %v", waitingFor, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %q (%s)", waitingFor, c.name)
		}
		return env
	}
	return v1.Envelope{}
}

func mustWriteEnvelope(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	env, err := v1.NewEnvelope(typ, fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()), time.Now().UTC(), payload)
	if err != nil {
		fatalf("build envelope: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	mustWriteRaw(parent, c.conn, b, stepTimeout)
}

func mustWriteRaw(parent context.Context, conn *websocket.Conn, b []byte, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
