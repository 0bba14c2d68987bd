package coronet

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipe is an in-memory AsyncReader that reports ErrWouldBlock while
// empty and wakes its registered waker when fed.
type pipe struct {
	mu    sync.Mutex
	buf   []byte
	eof   bool
	waker Waker
}

func (p *pipe) PollRead(w Waker, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		if p.eof {
			return 0, io.EOF
		}
		if p.waker != nil && p.waker != w {
			return 0, ErrInterestBusy
		}
		p.waker = w
		return 0, ErrWouldBlock
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *pipe) CancelRead(w Waker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waker == w {
		p.waker = nil
	}
}

func (p *pipe) feed(data string, eof bool) {
	p.mu.Lock()
	p.buf = append(p.buf, data...)
	p.eof = p.eof || eof
	w := p.waker
	p.waker = nil
	p.mu.Unlock()

	if w != nil {
		w.Wake()
	}
}

func (p *pipe) registered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waker != nil
}

func closedPipe(data string) *pipe {
	return &pipe{buf: []byte(data), eof: true}
}

// sink is an AsyncWriter accepting at most max bytes per call.
type sink struct {
	max int
	out bytes.Buffer
}

func (s *sink) PollWrite(_ Waker, p []byte) (int, error) {
	n := min(len(p), s.max)
	s.out.Write(p[:n])
	return n, nil
}

func (s *sink) CancelWrite(Waker) {}

func TestReadFromGoroutine(t *testing.T) {
	r := require.New(t)
	p := &pipe{}

	go func() {
		for !p.registered() {
			time.Sleep(time.Millisecond)
		}
		p.feed("hello", false)
	}()

	buf := make([]byte, 16)
	n, err := Read(context.Background(), p, buf)
	r.NoError(err)
	r.Equal("hello", string(buf[:n]))
}

func TestReadSuspendsTask(t *testing.T) {
	r := require.New(t)
	tp := newTestPool(t, NewBuilder().Workers(1).Net(false))
	p := &pipe{}

	j := Spawn(tp.Handle, PriorityNormal, func(ctx context.Context) (string, error) {
		buf := make([]byte, 8)
		n, err := Read(ctx, p, buf)
		return string(buf[:n]), err
	})
	r.Eventually(func() bool { return j.State() == StateSuspended }, time.Second, time.Millisecond)
	r.True(p.registered())

	p.feed("ping", false)
	v, err := j.Join(context.Background())
	r.NoError(err)
	r.Equal("ping", v)
}

func TestReadCancelWithdrawsInterest(t *testing.T) {
	r := require.New(t)
	p := &pipe{}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := Read(ctx, p, make([]byte, 4))
		errc <- err
	}()

	r.Eventually(p.registered, time.Second, time.Millisecond)
	cancel()
	r.ErrorIs(<-errc, ErrCanceled)
	r.False(p.registered())
}

func TestReadEmptyBuffer(t *testing.T) {
	r := require.New(t)

	n, err := Read(context.Background(), &pipe{}, nil)
	r.NoError(err)
	r.Zero(n)
}

func TestReadExact(t *testing.T) {
	r := require.New(t)

	buf := make([]byte, 5)
	r.NoError(ReadExact(context.Background(), Chain(closedPipe("he"), closedPipe("llo!")), buf))
	r.Equal("hello", string(buf))

	short := make([]byte, 5)
	err := ReadExact(context.Background(), closedPipe("abc"), short)
	r.ErrorIs(err, ErrUnexpectedEOF)
	r.Equal("abc", string(short[:3]))
}

func TestWriteAll(t *testing.T) {
	r := require.New(t)

	s := &sink{max: 3}
	r.NoError(WriteAll(context.Background(), s, []byte("hello world")))
	r.Equal("hello world", s.out.String())

	r.ErrorIs(WriteAll(context.Background(), &sink{}, []byte("x")), ErrWriteZero)
	r.NoError(WriteAll(context.Background(), &sink{}, nil))
}

func TestChainOrder(t *testing.T) {
	r := require.New(t)

	c := Chain(closedPipe("abc"), Chain(closedPipe(""), closedPipe("def")))
	data, err := io.ReadAll(AsReader(context.Background(), c))
	r.NoError(err)
	r.Equal("abcdef", string(data))
}

func TestVectoredFallback(t *testing.T) {
	r := require.New(t)

	a, b := make([]byte, 0), make([]byte, 4)
	n, err := ReadVectored(context.Background(), closedPipe("xyz"), []IoSliceMut{a, b})
	r.NoError(err)
	r.Equal(3, n)
	r.Equal("xyz", string(b[:n]))

	s := &sink{max: 10}
	n, err = WriteVectored(context.Background(), s, []IoSlice{nil, []byte("ab"), []byte("cd")})
	r.NoError(err)
	r.Equal(2, n)
	r.Equal("ab", s.out.String())
}

func TestAsWriter(t *testing.T) {
	r := require.New(t)

	s := &sink{max: 2}
	n, err := io.Copy(AsWriter(context.Background(), s), bytes.NewReader([]byte("copy me")))
	r.NoError(err)
	r.Equal(int64(7), n)
	r.Equal("copy me", s.out.String())
}
