package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/ssrport/internal/model"
)

// fakeListener records which ports were probed, in order, and fails the
// bind for ports listed in errs.
type fakeListener struct {
	mu     sync.Mutex
	errs   map[int]error
	calls  []int
	closed int
}

func (f *fakeListener) Listen(_ context.Context, _, address string) (net.Listener, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, port)
	if bindErr, ok := f.errs[port]; ok {
		return nil, bindErr
	}
	return &fakeNetListener{owner: f, port: port}, nil
}

type fakeNetListener struct {
	owner *fakeListener
	port  int
}

func (l *fakeNetListener) Accept() (net.Conn, error) { return nil, errors.New("not implemented") }
func (l *fakeNetListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: l.port}
}
func (l *fakeNetListener) Close() error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	l.owner.closed++
	return nil
}

// addrInUse builds the error net.Listen returns for a busy port.
func addrInUse(port int) error {
	return &net.OpError{
		Op:   "listen",
		Net:  "tcp",
		Addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		Err:  os.NewSyscallError("bind", syscall.EADDRINUSE),
	}
}

// busyPorts returns an errs map marking every given port as in use.
func busyPorts(ports ...int) map[int]error {
	errs := make(map[int]error, len(ports))
	for _, p := range ports {
		errs[p] = addrInUse(p)
	}
	return errs
}

// freeLoopbackPort asks the OS for a free loopback port and releases it.
func freeLoopbackPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to reserve an ephemeral port")
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// occupy binds count consecutive loopback ports and keeps them bound until
// the test ends. It returns the first port of the range, or skips the test
// when no contiguous block could be bound.
func occupy(t *testing.T, count int) int {
	t.Helper()

	for try := 0; try < 20; try++ {
		first, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		base := first.Addr().(*net.TCPAddr).Port
		listeners := []net.Listener{first}

		ok := base+count+10 <= model.MaxPort
		for i := 1; ok && i < count; i++ {
			ln, listenErr := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+i))
			if listenErr != nil {
				ok = false
				break
			}
			listeners = append(listeners, ln)
		}

		if ok {
			t.Cleanup(func() {
				for _, ln := range listeners {
					_ = ln.Close()
				}
			})
			return base
		}
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}

	t.Skip("could not bind a contiguous block of loopback ports")
	return 0
}

// canBind reports whether an independent listener can bind port right now.
func canBind(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// TestIsPortAvailable_FreePort verifies that an unbound port is reported free.
func TestIsPortAvailable_FreePort(t *testing.T) {
	prober := NewProber()
	port := freeLoopbackPort(t)

	assert.True(t, prober.IsPortAvailable(context.Background(), port), "port %d should be available", port)
}

// TestIsPortAvailable_UsedPort verifies that a port held by another active
// listener is reported busy, without an error or panic.
func TestIsPortAvailable_UsedPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to start test listener")
	defer func() { _ = listener.Close() }()

	port := listener.Addr().(*net.TCPAddr).Port
	prober := NewProber()

	assert.False(t, prober.IsPortAvailable(context.Background(), port), "port %d should be in use", port)

	err = prober.Probe(context.Background(), port)
	assert.ErrorIs(t, err, model.ErrPortInUse)
}

// TestIsPortAvailable_ReleasesSocket verifies that a probe never leaves the
// port bound: probing twice in a row and then binding independently must
// all succeed.
func TestIsPortAvailable_ReleasesSocket(t *testing.T) {
	prober := NewProber()
	port := freeLoopbackPort(t)

	require.True(t, prober.IsPortAvailable(context.Background(), port))
	assert.True(t, prober.IsPortAvailable(context.Background(), port), "re-probe should still see the port free")

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err, "probe must have released port %d", port)
	_ = ln.Close()
}

// TestIsPortAvailable_OutOfRange verifies invalid port numbers are simply
// reported unavailable, and that no socket is ever created for them.
func TestIsPortAvailable_OutOfRange(t *testing.T) {
	fake := &fakeListener{}
	prober := NewProber(WithListener(fake))

	for _, p := range []int{-1, 0, 65536, 1 << 20} {
		assert.False(t, prober.IsPortAvailable(context.Background(), p), "port %d", p)
		assert.ErrorIs(t, prober.Probe(context.Background(), p), model.ErrPortOutOfRange)
	}
	assert.Empty(t, fake.calls, "out-of-range ports must not reach the socket layer")
}

// TestProbe_ClosesListener verifies the probe socket is released after a
// successful bind.
func TestProbe_ClosesListener(t *testing.T) {
	fake := &fakeListener{}
	prober := NewProber(WithListener(fake))

	require.NoError(t, prober.Probe(context.Background(), 4000))
	assert.Equal(t, 1, fake.closed)
}

// TestProbe_IOError verifies that socket failures other than "in use" are
// surfaced as ProbeIOError by Probe but only as false by IsPortAvailable.
func TestProbe_IOError(t *testing.T) {
	fake := &fakeListener{errs: map[int]error{
		80: &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", syscall.EACCES)},
	}}
	prober := NewProber(WithListener(fake))

	err := prober.Probe(context.Background(), 80)
	var ioErr *model.ProbeIOError
	require.True(t, errors.As(err, &ioErr), "expected ProbeIOError, got %v", err)
	assert.Equal(t, 80, ioErr.Port)
	assert.False(t, errors.Is(err, model.ErrPortInUse))

	assert.False(t, prober.IsPortAvailable(context.Background(), 80))
}

// TestFindAvailablePort_SkipsOccupied binds a block of ports and verifies
// the search returns the first port after the block.
func TestFindAvailablePort_SkipsOccupied(t *testing.T) {
	const occupied = 3
	base := occupy(t, occupied)
	prober := NewProber()

	nextFree := canBind(base + occupied)

	result, err := prober.FindAvailablePort(context.Background(), base, 10)
	require.NoError(t, err)
	require.True(t, result.Found)

	if nextFree {
		assert.Equal(t, base+occupied, result.Port)
		assert.Equal(t, occupied+1, result.Attempts)
	}
	assert.GreaterOrEqual(t, result.Port, base+occupied)
	assert.LessOrEqual(t, result.Port, base+9)
	assert.True(t, canBind(result.Port), "returned port %d should be bindable", result.Port)
}

// TestFindAvailablePort_ExhaustedFail verifies that with the fail policy an
// exhausted search returns an error naming the start port and attempt count.
func TestFindAvailablePort_ExhaustedFail(t *testing.T) {
	base := occupy(t, 3)
	prober := NewProber(WithPolicy(model.PolicyFail))

	result, err := prober.FindAvailablePort(context.Background(), base, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrSearchExhausted)
	assert.Contains(t, err.Error(), fmt.Sprintf("starting at %d", base))
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.False(t, result.Found)
	assert.Equal(t, 3, result.Attempts)
}

// TestFindAvailablePort_ExhaustedFallback verifies that with the fallback
// policy an exhausted search returns the start port with Found=false.
func TestFindAvailablePort_ExhaustedFallback(t *testing.T) {
	base := occupy(t, 3)
	prober := NewProber(WithPolicy(model.PolicyFallback))

	result, err := prober.FindAvailablePort(context.Background(), base, 3)
	require.NoError(t, err)
	assert.Equal(t, model.ProbeResult{Port: base, Found: false, Attempts: 3}, result)
}

// TestFindAvailablePort_Idempotent verifies two searches in a row with no
// intervening bind return the same port.
func TestFindAvailablePort_Idempotent(t *testing.T) {
	prober := NewProber()
	start := freeLoopbackPort(t)

	first, err := prober.FindAvailablePort(context.Background(), start, 20)
	require.NoError(t, err)
	second, err := prober.FindAvailablePort(context.Background(), start, 20)
	require.NoError(t, err)

	assert.Equal(t, first.Port, second.Port)
}

// TestFindAvailablePort_SSRScenario binds a dummy listener on 13714 and
// expects the search to land on the next free port in 13715-13718.
func TestFindAvailablePort_SSRScenario(t *testing.T) {
	dummy, err := net.Listen("tcp", "127.0.0.1:13714")
	if err != nil {
		t.Skipf("cannot bind 13714 on this host: %v", err)
	}
	defer func() { _ = dummy.Close() }()

	expected := 0
	for n := 1; n <= 4; n++ {
		if canBind(13714 + n) {
			expected = 13714 + n
			break
		}
	}
	if expected == 0 {
		t.Skip("ports 13715-13718 are all busy on this host")
	}

	prober := NewProber()
	result, err := prober.FindAvailablePort(context.Background(), 13714, 5)
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, expected, result.Port)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", result.Port))
	require.NoError(t, err, "independent bind on the returned port must succeed")
	_ = ln.Close()
}

// TestSearch_Order verifies candidates are probed strictly in ascending
// order and the search stops at the first success.
func TestSearch_Order(t *testing.T) {
	fake := &fakeListener{errs: busyPorts(5000, 5001)}
	prober := NewProber(WithListener(fake))

	result, err := prober.FindAvailablePort(context.Background(), 5000, 10)
	require.NoError(t, err)

	assert.Equal(t, model.ProbeResult{Port: 5002, Found: true, Attempts: 3}, result)
	assert.Equal(t, []int{5000, 5001, 5002}, fake.calls)
}

// TestSearch_SingleAttempt verifies maxAttempts=1 probes only the start port.
func TestSearch_SingleAttempt(t *testing.T) {
	fake := &fakeListener{errs: busyPorts(5000)}
	prober := NewProber(WithListener(fake), WithPolicy(model.PolicyFallback))

	result, err := prober.FindAvailablePort(context.Background(), 5000, 1)
	require.NoError(t, err)

	assert.Equal(t, []int{5000}, fake.calls, "exactly one port must be probed")
	assert.Equal(t, model.ProbeResult{Port: 5000, Found: false, Attempts: 1}, result)
}

// TestSearch_ClampsAtMaxPort verifies the search stops at 65535 instead of
// wrapping or overflowing, and reports the attempts actually made.
func TestSearch_ClampsAtMaxPort(t *testing.T) {
	fake := &fakeListener{errs: busyPorts(65533, 65534, 65535)}
	prober := NewProber(WithListener(fake))

	result, err := prober.FindAvailablePort(context.Background(), 65533, 10)
	require.Error(t, err)

	var exhausted *model.SearchExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, []int{65533, 65534, 65535}, fake.calls)
}

// TestSearch_IOErrorDoesNotAbort verifies a permission failure on one
// candidate only skips that candidate.
func TestSearch_IOErrorDoesNotAbort(t *testing.T) {
	fake := &fakeListener{errs: map[int]error{
		1023: os.NewSyscallError("bind", syscall.EACCES),
	}}
	prober := NewProber(WithListener(fake))

	result, err := prober.FindAvailablePort(context.Background(), 1023, 5)
	require.NoError(t, err)
	assert.Equal(t, 1024, result.Port)
}

// TestSearch_SkipsReserved verifies reserved ports count as attempts but
// are never bound.
func TestSearch_SkipsReserved(t *testing.T) {
	fake := &fakeListener{}
	prober := NewProber(
		WithListener(fake),
		WithReserved(NewReservedSet("docker", 6000, 6001)),
	)

	result, err := prober.FindAvailablePort(context.Background(), 6000, 5)
	require.NoError(t, err)

	assert.Equal(t, model.ProbeResult{Port: 6002, Found: true, Attempts: 3}, result)
	assert.Equal(t, []int{6002}, fake.calls, "reserved ports must not be bound")
	assert.ErrorIs(t, prober.Probe(context.Background(), 6001), model.ErrPortReserved)
}

// TestSearch_ContextCancelled verifies a done context stops the search
// before the next probe.
func TestSearch_ContextCancelled(t *testing.T) {
	fake := &fakeListener{}
	prober := NewProber(WithListener(fake))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := prober.FindAvailablePort(ctx, 7000, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fake.calls)
}

// TestSearch_InvalidConfig verifies bad input is rejected before probing.
func TestSearch_InvalidConfig(t *testing.T) {
	fake := &fakeListener{}
	prober := NewProber(WithListener(fake))

	_, err := prober.FindAvailablePort(context.Background(), 0, 10)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)

	_, err = prober.FindAvailablePort(context.Background(), 3000, 0)
	assert.ErrorIs(t, err, model.ErrInvalidConfig)

	assert.Empty(t, fake.calls)
}

// TestSearch_ConfigPolicyOverride verifies a policy on the ProbeConfig wins
// over the Prober's own policy, and an empty one defers to it.
func TestSearch_ConfigPolicyOverride(t *testing.T) {
	fake := &fakeListener{errs: busyPorts(8000)}
	prober := NewProber(WithListener(fake), WithPolicy(model.PolicyFail))

	result, err := prober.Search(context.Background(), model.ProbeConfig{
		StartPort: 8000, MaxAttempts: 1, Policy: model.PolicyFallback,
	})
	require.NoError(t, err)
	assert.Equal(t, 8000, result.Port)

	_, err = prober.Search(context.Background(), model.ProbeConfig{StartPort: 8000, MaxAttempts: 1})
	assert.ErrorIs(t, err, model.ErrSearchExhausted)
}

// TestNewProber_Defaults checks the documented defaults.
func TestNewProber_Defaults(t *testing.T) {
	prober := NewProber()
	assert.Equal(t, DefaultHost, prober.Host())
	assert.Equal(t, model.PolicyFail, prober.Policy())

	// Invalid options leave the defaults in place.
	prober = NewProber(WithHost(""), WithPolicy("sometimes"))
	assert.Equal(t, DefaultHost, prober.Host())
	assert.Equal(t, model.PolicyFail, prober.Policy())
}

// TestWithReuseAddr_Disabled verifies probing still works without the
// SO_REUSEADDR hook.
func TestWithReuseAddr_Disabled(t *testing.T) {
	prober := NewProber(WithReuseAddr(false))
	port := freeLoopbackPort(t)
	assert.True(t, prober.IsPortAvailable(context.Background(), port))
}

// TestUsedPorts verifies UsedPorts reports a port with an active listener.
func TestUsedPorts(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	port := listener.Addr().(*net.TCPAddr).Port
	prober := NewProber()

	used := prober.UsedPorts(context.Background(), port, port)
	require.Len(t, used, 1, "the port with an active listener should be reported as used")
	assert.Equal(t, port, used[0].Port)
	assert.ErrorIs(t, used[0].Err, model.ErrPortInUse)
}

// TestUsedPorts_Clamped verifies the scan range is clamped to valid ports.
func TestUsedPorts_Clamped(t *testing.T) {
	fake := &fakeListener{errs: busyPorts(65535)}
	prober := NewProber(WithListener(fake))

	used := prober.UsedPorts(context.Background(), 65534, 70000)
	require.Len(t, used, 1)
	assert.Equal(t, 65535, used[0].Port)
	assert.Equal(t, []int{65534, 65535}, fake.calls)
}

// TestUsedPorts_KeepsReasons verifies each unavailable port carries the
// error Probe returned for it, so socket errors are not reported as busy.
func TestUsedPorts_KeepsReasons(t *testing.T) {
	fake := &fakeListener{errs: map[int]error{
		5000: addrInUse(5000),
		5002: &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", syscall.EACCES)},
	}}
	prober := NewProber(WithListener(fake), WithReserved(NewReservedSet("config", 5001)))

	used := prober.UsedPorts(context.Background(), 5000, 5003)
	require.Len(t, used, 3)

	assert.Equal(t, 5000, used[0].Port)
	assert.ErrorIs(t, used[0].Err, model.ErrPortInUse)

	assert.Equal(t, 5001, used[1].Port)
	assert.ErrorIs(t, used[1].Err, model.ErrPortReserved)

	assert.Equal(t, 5002, used[2].Port)
	var ioErr *model.ProbeIOError
	require.True(t, errors.As(used[2].Err, &ioErr))
	assert.ErrorIs(t, ioErr.Err, syscall.EACCES)

	assert.Equal(t, []int{5000, 5002, 5003}, fake.calls, "reserved ports are never bound")
}
