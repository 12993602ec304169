package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/eduabjr/cartorio-sub002/internal/registry/models"
	dErrors "github.com/eduabjr/cartorio-sub002/pkg/domain-errors"
	"github.com/eduabjr/cartorio-sub002/pkg/requestcontext"
)

// fakeClient hands out one poll per batch, then reports the client closed.
type fakeClient struct {
	mu      sync.Mutex
	batches [][]*kgo.Record
	commits int
}

func (f *fakeClient) PollFetches(context.Context) kgo.Fetches {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return kgo.NewErrFetch(kgo.ErrClientClosed)
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "cartorio.records",
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: batch}},
	}}}}
}

func (f *fakeClient) CommitUncommittedOffsets(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

type fakeAcceptor struct {
	mu         sync.Mutex
	accepted   []string
	userAgents []string
	requestIDs []string
	failures   int
	failWith   error
}

func (f *fakeAcceptor) Accept(ctx context.Context, req models.AcceptRequest) (models.AcceptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return models.AcceptResult{}, f.failWith
	}
	f.accepted = append(f.accepted, req.ID)
	f.userAgents = append(f.userAgents, requestcontext.UserAgent(ctx))
	f.requestIDs = append(f.requestIDs, requestcontext.RequestID(ctx))
	return models.AcceptResult{ID: req.ID, Created: true}, nil
}

func message(offset int64, value string) *kgo.Record {
	return &kgo.Record{
		Topic:   "cartorio.records",
		Offset:  offset,
		Value:   []byte(value),
		Headers: []kgo.RecordHeader{{Key: headerUserAgent, Value: []byte("cartorio-sync/1.0")}},
	}
}

func valid(id string) string {
	return `{"id":"` + id + `","kind":"birth","payload":{"name":"Maria"},"capturedAt":"2026-03-10T09:00:00Z"}`
}

type ConsumerSuite struct {
	suite.Suite
	client   *fakeClient
	acceptor *fakeAcceptor
	consumer *Consumer
}

func TestConsumerSuite(t *testing.T) {
	suite.Run(t, new(ConsumerSuite))
}

func (s *ConsumerSuite) SetupTest() {
	s.client = &fakeClient{}
	s.acceptor = &fakeAcceptor{}
	c, err := New(s.client, s.acceptor,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryInterval(time.Millisecond, 5*time.Millisecond),
	)
	s.Require().NoError(err)
	s.consumer = c
}

func (s *ConsumerSuite) TestAcceptsAndCommitsEachPoll() {
	s.client.batches = [][]*kgo.Record{
		{message(0, valid("desk-1")), message(1, valid("desk-2"))},
		{message(2, valid("desk-3"))},
	}

	s.Require().NoError(s.consumer.Run(context.Background()))

	s.Equal([]string{"desk-1", "desk-2", "desk-3"}, s.acceptor.accepted)
	s.Equal(2, s.client.commits)
	for i, ua := range s.acceptor.userAgents {
		s.Equal("cartorio-sync/1.0", ua)
		s.NotEmpty(s.acceptor.requestIDs[i])
	}
	s.NotEqual(s.acceptor.requestIDs[0], s.acceptor.requestIDs[1])
}

func (s *ConsumerSuite) TestSkipsMalformedAndInvalidMessages() {
	s.client.batches = [][]*kgo.Record{{
		message(0, "not json"),
		message(1, `{"id":"","kind":"birth","payload":{},"capturedAt":"2026-03-10T09:00:00Z"}`),
		message(2, `{"id":"desk-4","kind":"birth","payload":[],"capturedAt":"2026-03-10T09:00:00Z"}`),
		message(3, valid("desk-5")),
	}}

	s.Require().NoError(s.consumer.Run(context.Background()))

	s.Equal([]string{"desk-5"}, s.acceptor.accepted)
	s.Equal(1, s.client.commits)
}

func (s *ConsumerSuite) TestRetriesWhileRegistryUnavailable() {
	s.acceptor.failures = 3
	s.acceptor.failWith = dErrors.Wrap(errors.New("connection refused"), dErrors.CodeUnavailable, "registry storage unavailable")
	s.client.batches = [][]*kgo.Record{{message(0, valid("desk-1"))}}

	s.Require().NoError(s.consumer.Run(context.Background()))

	s.Equal([]string{"desk-1"}, s.acceptor.accepted)
	s.Equal(0, s.acceptor.failures)
	s.Equal(1, s.client.commits)
}

func (s *ConsumerSuite) TestRejectedByRegistryIsSkipped() {
	s.acceptor.failures = 1
	s.acceptor.failWith = dErrors.New(dErrors.CodeValidation, "payload must be a JSON object")
	s.client.batches = [][]*kgo.Record{{message(0, valid("desk-1")), message(1, valid("desk-2"))}}

	s.Require().NoError(s.consumer.Run(context.Background()))

	s.Equal([]string{"desk-2"}, s.acceptor.accepted)
	s.Equal(1, s.client.commits)
}

func (s *ConsumerSuite) TestStopsWithoutCommitWhenCancelledDuringOutage() {
	s.acceptor.failures = -1
	s.acceptor.failWith = errors.New("connection refused")
	s.client.batches = [][]*kgo.Record{{message(0, valid("desk-1"))}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.consumer.Run(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Empty(s.acceptor.accepted)
	s.Equal(0, s.client.commits)
}

func (s *ConsumerSuite) TestNewRequiresCollaborators() {
	_, err := New(nil, s.acceptor)
	s.Error(err)
	_, err = New(s.client, nil)
	s.Error(err)
}
