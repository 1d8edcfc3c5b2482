package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"jdanprad0/p2p-chunks/pkg/logger"
	"jdanprad0/p2p-chunks/pkg/monitor"
	"jdanprad0/p2p-chunks/pkg/protocol"
	"jdanprad0/p2p-chunks/pkg/store"
	"jdanprad0/p2p-chunks/pkg/workerpool"
)

// maxTransferWorkers caps how many outbound transfer batches run at once.
const maxTransferWorkers = 5

// Service is the reliable chunk-transfer endpoint. Inbound connections carry
// sequences of (control header, payload) pairs that are written into the
// Chunk Store; outbound transfers push requested chunks to the requester's
// stream port, paced at the local link speed.
type Service struct {
	ip      string
	port    int
	speed   int
	timeout time.Duration

	store        *store.Store
	listener     net.Listener
	pool         *workerpool.Pool
	onChunkSaved func(fileName string, chunkID int)
}

// NewService creates a stream service bound to (any, port). speed is this
// node's link speed in bytes per second; timeout applies to every inbound
// read.
func NewService(ip string, port, speed int, st *store.Store, timeout time.Duration) *Service {
	return &Service{
		ip:      ip,
		port:    port,
		speed:   speed,
		timeout: timeout,
		store:   st,
		pool:    workerpool.New(maxTransferWorkers),
	}
}

// SetOnChunkSaved registers a callback invoked after every chunk persisted
// from the network. The Node uses it to trigger assembly.
func (s *Service) SetOnChunkSaved(f func(fileName string, chunkID int)) {
	s.onChunkSaved = f
}

// Start binds the listener and launches the accept loop and the outbound
// transfer pool.
func (s *Service) Start() error {
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("failed to listen on stream port %d: %w", s.port, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.pool.Start()
	go s.drainResults()
	go s.acceptLoop()

	logger.Sugar.Infof("[StreamService] listening on %s", listener.Addr())
	return nil
}

// Port returns the bound stream port.
func (s *Service) Port() int {
	return s.port
}

// Close stops the listener. In-flight connections die on their next
// deadline.
func (s *Service) Close() error {
	s.pool.Stop()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// EnqueueTransfer queues an outbound transfer batch for one requester.
// Blocks when the pool is saturated.
func (s *Service) EnqueueTransfer(fileName string, chunks []int, dest protocol.PeerInfo) {
	s.pool.Submit(&transferJob{svc: s, fileName: fileName, chunks: chunks, dest: dest})
}

type transferJob struct {
	svc      *Service
	fileName string
	chunks   []int
	dest     protocol.PeerInfo
}

func (j *transferJob) Execute() error {
	return j.svc.sendChunks(j.fileName, j.chunks, j.dest)
}

func (s *Service) drainResults() {
	for result := range s.pool.Results() {
		if result.Err != nil {
			job := result.Job.(*transferJob)
			logger.Sugar.Errorf("[StreamService] transfer of %s chunks %v to %s failed: %v",
				job.fileName, job.chunks, job.dest.Addr(), result.Err)
		}
	}
}

func (s *Service) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[StreamService] accept error: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// handleConn receives (header, payload) pairs until the peer closes or a
// read times out. A failed disk write skips that chunk but keeps the
// connection; a timeout or short read discards the partial chunk and closes.
func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	for {
		header := make([]byte, protocol.ControlHeaderSize)
		if err := s.readFull(conn, header); err != nil {
			if err != io.EOF {
				logger.Sugar.Errorf("[StreamService] header read from %s failed: %v", remote, err)
			}
			return
		}

		h, err := protocol.ParseChunkHeader(header)
		if err != nil {
			logger.Sugar.Errorf("[StreamService] bad control header from %s: %v", remote, err)
			return
		}

		payload, err := s.readPayload(conn, h)
		if err != nil {
			logger.Sugar.Errorf("[StreamService] chunk %d of %s from %s discarded: %v",
				h.ChunkID, h.FileName, remote, err)
			return
		}

		if err := s.store.SaveChunk(h.FileName, h.ChunkID, payload); err != nil {
			logger.Sugar.Errorf("[StreamService] failed to persist chunk %d of %s: %v", h.ChunkID, h.FileName, err)
			continue
		}

		monitor.RecordChunk(int64(len(payload)))
		logger.Sugar.Infof("[StreamService] received chunk %d of %s (%d bytes) from %s",
			h.ChunkID, h.FileName, h.Size, remote)

		if s.onChunkSaved != nil {
			s.onChunkSaved(h.FileName, h.ChunkID)
		}
	}
}

// readPayload accumulates exactly h.Size bytes, reading in blocks sized by
// the sender's reported link speed.
func (s *Service) readPayload(conn net.Conn, h protocol.ChunkHeader) ([]byte, error) {
	blockSize := h.Speed
	if blockSize <= 0 {
		blockSize = protocol.ControlHeaderSize
	}

	payload := make([]byte, h.Size)
	received := 0
	for received < h.Size {
		block := blockSize
		if remaining := h.Size - received; remaining < block {
			block = remaining
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			return nil, err
		}
		n, err := conn.Read(payload[received : received+block])
		received += n
		if err != nil {
			return nil, fmt.Errorf("short chunk: got %d of %d bytes: %w", received, h.Size, err)
		}
	}
	return payload, nil
}

func (s *Service) readFull(conn net.Conn, buf []byte) error {
	if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	_, err := io.ReadFull(conn, buf)
	if err == io.ErrUnexpectedEOF {
		return fmt.Errorf("connection closed mid-header")
	}
	return err
}

// sendChunks opens one connection to the requester's stream port and pushes
// every requested chunk over it. A chunk missing on disk is skipped; its
// error is folded into the returned error while later chunks still go out.
func (s *Service) sendChunks(fileName string, chunks []int, dest protocol.PeerInfo) error {
	conn, err := net.DialTimeout("tcp", dest.StreamAddr(), s.timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", dest.StreamAddr(), err)
	}
	defer conn.Close()

	var errs error
	for _, chunkID := range chunks {
		if err := s.sendChunk(conn, fileName, chunkID, dest); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Sugar.Errorf("[StreamService] chunk %d of %s not on disk, skipping", chunkID, fileName)
				errs = multierr.Append(errs, err)
				continue
			}
			// A failed socket write poisons the connection for the rest of
			// the batch.
			return multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *Service) sendChunk(conn net.Conn, fileName string, chunkID int, dest protocol.PeerInfo) error {
	data, err := os.ReadFile(s.store.ChunkPath(fileName, chunkID))
	if err != nil {
		return err
	}

	header := protocol.ChunkHeader{
		FileName: fileName,
		ChunkID:  chunkID,
		Speed:    s.speed,
		Size:     len(data),
	}
	if _, err := conn.Write(header.Encode()); err != nil {
		return fmt.Errorf("failed to send control header for chunk %d: %w", chunkID, err)
	}

	// The payload goes out in link-speed-sized slices with a 1 s pause after
	// each one. This pacing is the bandwidth simulation; keep it as is.
	pace := s.speed
	if pace <= 0 {
		pace = protocol.ControlHeaderSize
	}
	sent := 0
	for sent < len(data) {
		slice := pace
		if remaining := len(data) - sent; remaining < slice {
			slice = remaining
		}
		n, err := conn.Write(data[sent : sent+slice])
		sent += n
		if err != nil {
			return fmt.Errorf("failed to send chunk %d after %d bytes: %w", chunkID, sent, err)
		}
		logger.Sugar.Infof("[StreamService] sent %d/%d bytes of chunk %d of %s to %s",
			sent, len(data), chunkID, fileName, dest.Addr())
		time.Sleep(1 * time.Second)
	}

	monitor.RecordChunk(int64(len(data)))
	return nil
}
