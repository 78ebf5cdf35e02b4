package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

const testTimeout = 5 * time.Second

func newBuffer(t *testing.T, pd *fabric.ProtectionDomain, size, header int, access fabric.Access) *fabric.Buffer {
	t.Helper()

	buf, err := fabric.NewBuffer(size, 1, header)
	require.NoError(t, err)
	require.NoError(t, buf.Register(pd, access))

	t.Cleanup(func() { _ = buf.Close() })

	return buf
}

// testClient speaks the submission protocol directly over one connection.
type testClient struct {
	conn   *fabric.Connection
	setup  protocol.Setup
	input  *fabric.Buffer
	output *fabric.Buffer
}

func dialExecutor(t *testing.T, p fabric.Provider, addr string, privateData uint32) (*testClient, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	pd := fabric.NewProtectionDomain()

	conn, err := fabric.NewConnection(pd, fabric.DefaultQPConfig())
	require.NoError(t, err)

	c := &testClient{
		conn:   conn,
		input:  newBuffer(t, pd, 4096, protocol.HeaderSize, fabric.AccessLocalWrite),
		output: newBuffer(t, pd, 4096, 0, fabric.AccessLocalWrite|fabric.AccessRemoteWrite),
	}

	// Registered after the buffers so the connection closes first.
	t.Cleanup(func() { _ = conn.Close() })

	setupBuf := newBuffer(t, pd, protocol.SetupMessageSize, 0, fabric.AccessLocalWrite)

	_, err = protocol.PostSetupRecv(conn, setupBuf)
	require.NoError(t, err)

	if err := conn.Connect(ctx, p, addr, privateData); err != nil {
		return nil, err
	}

	c.setup, err = protocol.ReceiveSetup(ctx, conn, setupBuf)
	require.NoError(t, err)

	return c, nil
}

func (c *testClient) invoke(t *testing.T, fn, inv uint16, arg []byte) (protocol.Status, []byte) {
	t.Helper()

	return c.invokeInto(t, fn, inv, arg, c.output.Remote())
}

func (c *testClient) invokeInto(t *testing.T, fn, inv uint16, arg []byte, result fabric.RemoteBuffer) (protocol.Status, []byte) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, protocol.WriteHeader(c.input.Bytes(), result))
	copy(c.input.Payload(), arg)

	_, err := c.conn.PostRecv(nil)
	require.NoError(t, err)

	imm, err := protocol.EncodeSubmission(fn, inv, false)
	require.NoError(t, err)

	sgl := fabric.ScatterGatherList{c.input.SGE(0, protocol.HeaderSize+len(arg))}
	_, err = c.conn.PostWriteImm(sgl, c.setup.Remote, imm, false)
	require.NoError(t, err)

	wcs := make([]fabric.WorkCompletion, 1)

	_, err = c.conn.PollContext(ctx, fabric.QueueSend, wcs)
	require.NoError(t, err)
	require.True(t, wcs[0].Success(), wcs[0].Status.String())

	_, err = c.conn.PollContext(ctx, fabric.QueueRecv, wcs)
	require.NoError(t, err)
	require.True(t, wcs[0].Success(), wcs[0].Status.String())
	require.True(t, wcs[0].HasImm())

	gotInv, status := protocol.DecodeResult(wcs[0].ImmData)
	require.Equal(t, inv, gotInv)

	return status, append([]byte(nil), c.output.Bytes()[:wcs[0].ByteLen]...)
}

func startServer(t *testing.T, p fabric.Provider, cfg Config, functions *FunctionTable) *Server {
	t.Helper()

	if functions == nil {
		functions = NewFunctionTable()
		require.NoError(t, RegisterBuiltins(functions))
	}

	if len(cfg.Cores) == 0 {
		cfg.Cores = []int{0}
	}

	cfg.InputSize = 4096
	cfg.OutputSize = 4096
	cfg.RecvDepth = 16

	srv, err := NewServer(cfg, p, functions)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() { _ = srv.Stop() })

	return srv
}

// onlyWorker waits for the server to run exactly one worker and returns it.
func onlyWorker(t *testing.T, srv *Server) *Worker {
	t.Helper()

	var w *Worker

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()

		for worker := range srv.workers {
			w = worker
		}

		return len(srv.workers) == 1
	}, testTimeout, time.Millisecond)

	return w
}
