package test

import (
	"io"
	"sync"

	"tls-stream/transport"
)

type BufferedConnTestSuite struct {
	ConnTestSuite
}

func (s *BufferedConnTestSuite) SetupTest() {
	s.ConnTestSuite.SetupTest()
}

func (s *BufferedConnTestSuite) TestBothWrite() {
	c1 := s.C1.(transport.BufferedConn)
	c2 := s.C2.(transport.BufferedConn)
	size1, size2 := int(c1.ReadBufSize()), int(c2.ReadBufSize())

	var wg sync.WaitGroup
	wg.Add(2)
	defer wg.Wait()

	go func() {
		defer wg.Done()
		b := make([]byte, size2)

		// Write as much as c2 can handle.
		n, err := s.C1.Write(b)
		s.Require().NoError(err)
		s.Equal(size2, n)

		n, err = io.ReadFull(s.C2, b)
		s.Require().NoError(err)
		s.Equal(size2, n)
	}()

	go func() {
		defer wg.Done()
		b := make([]byte, size1)

		// Write as much as c1 can handle.
		n, err := s.C2.Write(b)
		s.Require().NoError(err)
		s.Equal(size1, n)

		n, err = io.ReadFull(s.C1, b)
		s.Require().NoError(err)
		s.Equal(size1, n)
	}()
}

func (s *BufferedConnTestSuite) TestReadAfterClose() {
	c1 := s.C1.(transport.BufferedConn)
	c2 := s.C2.(transport.BufferedConn)
	size1 := int(c1.ReadBufSize())

	n, err := c2.Write(make([]byte, size1))
	s.Require().NoError(err)
	s.Require().Equal(size1, n)

	s.Require().NoError(c2.Close())

	// Buffered bytes survive the peer's close.
	n, err = c1.Read(make([]byte, size1))
	s.Require().NoError(err)
	s.Equal(size1, n)

	n, err = c1.Read(make([]byte, 1))
	s.ErrorIs(err, io.EOF)
	s.Zero(n)
}

func (s *BufferedConnTestSuite) TestWriteAfterPeerCloseWrite() {
	s.Require().NoError(s.C2.CloseWrite())

	// Half closed peer still drains what we send.
	n, err := s.C1.Write([]byte("late"))
	s.Require().NoError(err)
	s.Equal(4, n)

	b := make([]byte, 4)
	n, err = s.C2.Read(b)
	s.Require().NoError(err)
	s.Equal([]byte("late"), b[:n])

	n, err = s.C1.Read(b)
	s.ErrorIs(err, io.EOF)
	s.Zero(n)
}
