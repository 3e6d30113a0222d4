package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"curryx/codec"
	"curryx/message"
	"curryx/middleware"
	"curryx/protocol"
	"curryx/transport"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Point struct{ X, Y int }

type Calc struct{}

func (c *Calc) Add(a, b int) (int, error) { return a + b, nil }

func (c *Calc) Div(ctx context.Context, a, b int) (int, error) {
	if b == 0 {
		return 0, &strconv.NumError{Func: "Div", Num: strconv.Itoa(a), Err: strconv.ErrRange}
	}
	return a / b, nil
}

func (c *Calc) Move(p *Point, dx int) (Point, error) { return Point{p.X + dx, p.Y}, nil }

func (c *Calc) Sleep(ctx context.Context, ms int) error {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil
}

// Not a suitable signature: no error result.
func (c *Calc) Version() string { return "v1" }

func calcTable(t *testing.T) *Table {
	svc, err := Reflect("calc", "v1", &Calc{})
	require.NoError(t, err)
	table := NewTable()
	require.NoError(t, table.Add(svc))
	return table
}

func request(t *testing.T, method string, args ...any) *message.Request {
	types, params, err := codec.MarshalParams(args...)
	require.NoError(t, err)
	return message.NewRequest("calc", "v1", method, types, params)
}

func startServer(t *testing.T, table *Table, opts ...Option) (*Server, string) {
	s := NewServer(table, opts...)
	addr, err := s.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve()
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s, addr.String()
}

func TestReflect(t *testing.T) {
	svc, err := Reflect("", "v1", &Calc{})
	require.NoError(t, err)
	assert.Equal(t, "Calc#v1", svc.Key())
	assert.Equal(t, []string{"add(int,int)", "div(int,int)", "move(server.Point,int)", "sleep(int)"}, svc.Methods())

	_, err = Reflect("calc", "v1", Calc{})
	assert.Error(t, err, "receiver must be a pointer")

	type empty struct{}
	_, err = Reflect("empty", "v1", &empty{})
	assert.Error(t, err)
}

func TestTableAddDuplicate(t *testing.T) {
	table := calcTable(t)
	assert.Error(t, table.Add(NewService("calc", "v1")))
	require.NoError(t, table.Add(NewService("calc", "v2")))

	var keys []string
	for _, svc := range table.Services() {
		keys = append(keys, svc.Key())
	}
	assert.Equal(t, []string{"calc#v1", "calc#v2"}, keys)

	_, ok := table.Lookup("calc", "v2")
	assert.True(t, ok)
	_, ok = table.Lookup("calc", "v3")
	assert.False(t, ok)
}

func TestDispatch(t *testing.T) {
	table := calcTable(t)
	ctx := context.Background()

	resp := table.Dispatch(ctx, request(t, "add", 2, 3))
	require.NoError(t, resp.Err())
	assert.Equal(t, "5", string(resp.Result))

	resp = table.Dispatch(ctx, request(t, "move", &Point{1, 2}, 3))
	require.NoError(t, resp.Err())
	assert.JSONEq(t, `{"X":4,"Y":2}`, string(resp.Result))

	req := request(t, "sub", 2, 3)
	resp = table.Dispatch(ctx, req)
	assert.Equal(t, req.ID, resp.ID)
	assert.True(t, errors.Is(resp.Err(), message.ErrMethodNotFound))

	// Same name, different parameter types
	resp = table.Dispatch(ctx, request(t, "add", "2", "3"))
	assert.True(t, errors.Is(resp.Err(), message.ErrMethodNotFound))

	ghost := request(t, "add", 2, 3)
	ghost.ServiceName = "ghost"
	resp = table.Dispatch(ctx, ghost)
	assert.True(t, errors.Is(resp.Err(), message.ErrMethodNotFound))
	assert.Contains(t, resp.Error.Message, "ghost#v1")

	resp = table.Dispatch(ctx, request(t, "div", 1, 0))
	assert.True(t, errors.Is(resp.Err(), message.ErrInvocationFailed))
	assert.Equal(t, "*strconv.NumError", resp.Error.Cause)
}

type Summer struct{}

func (s *Summer) Sum(xs ...int) (int, error) {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total, nil
}

func (s *Summer) Join(sep string, parts ...string) (string, error) {
	return strings.Join(parts, sep), nil
}

func TestDispatchVariadic(t *testing.T) {
	svc, err := Reflect("sum", "v1", &Summer{})
	require.NoError(t, err)
	assert.Equal(t, []string{"join(string,[]string)", "sum([]int)"}, svc.Methods())
	table := NewTable()
	require.NoError(t, table.Add(svc))

	call := func(method string, args ...any) *message.Response {
		types, params, err := codec.MarshalParams(args...)
		require.NoError(t, err)
		return table.Dispatch(context.Background(), message.NewRequest("sum", "v1", method, types, params))
	}

	resp := call("sum", []int{1, 2, 3})
	require.NoError(t, resp.Err())
	assert.Equal(t, "6", string(resp.Result))

	resp = call("sum", []int{})
	require.NoError(t, resp.Err())
	assert.Equal(t, "0", string(resp.Result))

	resp = call("join", "-", []string{"a", "b"})
	require.NoError(t, resp.Err())
	assert.Equal(t, `"a-b"`, string(resp.Result))
}

func TestHandWrittenService(t *testing.T) {
	svc := NewService("echo", "v1").
		Handle("say", []string{"string"}, func(ctx context.Context, params [][]byte) ([]byte, error) {
			return params[0], nil
		})
	table := NewTable()
	require.NoError(t, table.Add(svc))

	types, params, err := codec.MarshalParams("hi")
	require.NoError(t, err)
	resp := table.Dispatch(context.Background(), message.NewRequest("echo", "v1", "say", types, params))
	require.NoError(t, resp.Err())
	assert.Equal(t, `"hi"`, string(resp.Result))
}

func TestServer(t *testing.T) {
	_, addr := startServer(t, calcTable(t))

	ct, err := transport.Dial(context.Background(), addr, transport.Options{})
	require.NoError(t, err)
	defer ct.Close()

	resp, err := ct.Call(context.Background(), request(t, "add", 1, 2))
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "3", string(resp.Result))
}

func TestServerConcurrentRequests(t *testing.T) {
	_, addr := startServer(t, calcTable(t))

	ct, err := transport.Dial(context.Background(), addr, transport.Options{})
	require.NoError(t, err)
	defer ct.Close()

	// A slow request must not hold back the ones behind it on the same connection.
	slow, err := ct.Send(context.Background(), request(t, "sleep", 300))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp, err := ct.Call(context.Background(), request(t, "add", n, n))
			if assert.NoError(t, err) && assert.NoError(t, resp.Err()) {
				assert.Equal(t, fmt.Sprint(2*n), string(resp.Result))
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, slow, 0, "the slow request is still running")
	assert.NoError(t, (<-slow).Err())
}

func TestServerMiddleware(t *testing.T) {
	_, addr := startServer(t, calcTable(t), WithMiddleware(middleware.RateLimitMiddleware(0.001, 1)))

	ct, err := transport.Dial(context.Background(), addr, transport.Options{})
	require.NoError(t, err)
	defer ct.Close()

	resp, err := ct.Call(context.Background(), request(t, "add", 1, 2))
	require.NoError(t, err)
	require.NoError(t, resp.Err())

	resp, err = ct.Call(context.Background(), request(t, "add", 1, 2))
	require.NoError(t, err)
	assert.True(t, errors.Is(resp.Err(), message.ErrRateLimited))
}

func TestServerClosesOnDecodeFailure(t *testing.T) {
	cipher, err := codec.NewDESCipher([]byte{97, 143, 188, 93, 127, 239, 49, 67})
	require.NoError(t, err)
	_, addr := startServer(t, calcTable(t), WithProtocol(protocol.Options{Cipher: cipher}))

	// The client does not encrypt.
	ct, err := transport.Dial(context.Background(), addr, transport.Options{})
	require.NoError(t, err)
	defer ct.Close()

	resp, err := ct.Call(context.Background(), request(t, "add", 1, 2))
	require.NoError(t, err)
	assert.True(t, errors.Is(resp.Err(), message.ErrTransportClosed), "got %v", resp.Err())
	<-ct.Done()
}

func TestServerClosesOnOversizedFrame(t *testing.T) {
	_, addr := startServer(t, calcTable(t), WithProtocol(protocol.Options{MaxFrameSize: 1024}))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Announce a 1 MiB body and send none of it: the header alone must end the connection.
	header := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint32(header, 1<<20)
	_, err = conn.Write(header)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)

	// A fresh connection is served as usual.
	ct, err := transport.Dial(context.Background(), addr, transport.Options{})
	require.NoError(t, err)
	defer ct.Close()
	resp, err := ct.Call(context.Background(), request(t, "add", 1, 2))
	require.NoError(t, err)
	assert.Equal(t, "3", string(resp.Result))
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	s, addr := startServer(t, calcTable(t))

	ct, err := transport.Dial(context.Background(), addr, transport.Options{})
	require.NoError(t, err)
	defer ct.Close()

	slot, err := ct.Send(context.Background(), request(t, "sleep", 200))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Shutdown(time.Second))
	resp := <-slot
	assert.NoError(t, resp.Err(), "in-flight request completes before connections close")

	<-ct.Done()
}

func TestShutdownTimeout(t *testing.T) {
	s, addr := startServer(t, calcTable(t))

	ct, err := transport.Dial(context.Background(), addr, transport.Options{})
	require.NoError(t, err)
	defer ct.Close()

	_, err = ct.Send(context.Background(), request(t, "sleep", 500))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	assert.Error(t, s.Shutdown(50*time.Millisecond))
}
