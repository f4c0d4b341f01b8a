package payload

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gitlab.com/yawning/aez.git"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nearbycore/connections/internal/endpoint"
	"github.com/nearbycore/connections/internal/metrics"
	"github.com/nearbycore/connections/internal/wire"
)

var log = logging.MustGetLogger("payload")

// DefaultChunkSize is the fixed chunk size used when none is configured.
const DefaultChunkSize = 64 * 1024

// ErrUnknownPayload is returned by Cancel for an id the engine has neither
// sender-side nor receiver-side state for.
var ErrUnknownPayload = errors.New("payload: unknown payload id")

// spillThreshold: incoming bytes payloads of known size below this size
// reassemble in memory; every other incoming payload (stream, file, or
// larger bytes) reassembles into a temp file. A spilled payload whose
// reassembled size is below this size is still handed over as Data.
const spillThreshold = 4 * 1024 * 1024

// Engine chunks outgoing payloads into DATA frames, reassembles incoming
// ones, and raises progress events through each endpoint's registered
// Listener. It implements endpoint.FrameProcessor for wire.KindPayloadTransfer.
type Engine struct {
	mgr       *endpoint.Manager
	chunkSize int
	tempDir   string

	mu        sync.Mutex
	listeners map[string]Listener
	senders   map[int64]*senderState
	receivers map[recvKey]*receiverState
}

type recvKey struct {
	endpointID string
	payloadID  int64
}

// NewEngine wires Engine to mgr and registers it as the PAYLOAD_TRANSFER
// frame processor. chunkSize <= 0 selects DefaultChunkSize; tempDir ""
// selects os.TempDir().
func NewEngine(mgr *endpoint.Manager, chunkSize int, tempDir string) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	e := &Engine{
		mgr:       mgr,
		chunkSize: chunkSize,
		tempDir:   tempDir,
		listeners: make(map[string]Listener),
		senders:   make(map[int64]*senderState),
		receivers: make(map[recvKey]*receiverState),
	}
	mgr.RegisterProcessor(wire.KindPayloadTransfer, e)
	return e
}

// SetListener installs the Listener an endpoint's AcceptConnection call
// supplied. A nil listener removes the registration.
func (e *Engine) SetListener(endpointID string, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l == nil {
		delete(e.listeners, endpointID)
		return
	}
	e.listeners[endpointID] = l
}

func (e *Engine) listenerFor(endpointID string) Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listeners[endpointID]
}

// senderState tracks one outgoing payload's per-endpoint progress.
type senderState struct {
	header     wire.PayloadHeader
	mu         sync.Mutex
	remaining  map[string]bool // endpoint ids still receiving chunks
	canceled   bool
}

// Send chunks p and writes it to every endpoint in endpointIDs, fanning out
// serially per chunk. Endpoints whose write fails are dropped from later
// chunks but do not abort delivery to the rest.
func (e *Engine) Send(endpointIDs []string, p *Payload) error {
	header := wire.PayloadHeader{ID: p.ID, Kind: wire.PayloadKind(p.Kind), TotalSize: p.TotalSize}

	st := &senderState{header: header, remaining: make(map[string]bool, len(endpointIDs))}
	for _, id := range endpointIDs {
		st.remaining[id] = true
	}
	e.mu.Lock()
	e.senders[p.ID] = st
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.senders, p.ID)
		e.mu.Unlock()
	}()

	var offset int64
	emitBytes := func(body []byte, last bool) bool {
		ids := st.activeIDs()
		if len(ids) == 0 {
			return false
		}
		frame := &wire.OfflineFrame{
			Kind: wire.KindPayloadTransfer,
			PayloadTransfer: &wire.PayloadTransferFrame{
				Header: header,
				Chunk:  &wire.PayloadChunk{Offset: offset, Body: body, Last: last},
			},
		}
		failed := e.mgr.Broadcast(ids, frame)
		st.dropFailed(failed)
		for _, id := range failed {
			e.emitProgress(id, p.ID, StatusFailed, offset, p.TotalSize)
		}
		for _, id := range ids {
			if !containsID(failed, id) {
				metrics.PayloadBytesTransferred.WithLabelValues("send", p.Kind.String()).Add(float64(len(body)))
				e.emitProgress(id, p.ID, StatusInProgress, offset+int64(len(body)), p.TotalSize)
			}
		}
		offset += int64(len(body))
		return true
	}

	if p.bytes != nil {
		if len(p.bytes) == 0 {
			emitBytes(nil, true)
		} else {
			for off := 0; off < len(p.bytes); off += e.chunkSize {
				end := off + e.chunkSize
				if end > len(p.bytes) {
					end = len(p.bytes)
				}
				if st.isCanceled() {
					break
				}
				if !emitBytes(p.bytes[off:end], end == len(p.bytes)) {
					break
				}
			}
		}
	} else {
		buf := make([]byte, e.chunkSize)
		for {
			if st.isCanceled() {
				break
			}
			n, err := io.ReadFull(p.stream, buf)
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				if n > 0 {
					emitBytes(append([]byte{}, buf[:n]...), true)
				} else {
					// The source ended exactly on a chunk boundary (or was
					// empty), so every full chunk already went out with
					// last unset; a final empty chunk carries the marker.
					// Without it a stream payload never terminates, since
					// its total size is unknown to the receiver.
					emitBytes(nil, true)
				}
				break
			}
			if err != nil {
				for _, id := range st.activeIDs() {
					e.emitProgress(id, p.ID, StatusFailed, offset, p.TotalSize)
				}
				return fmt.Errorf("payload: read source: %w", err)
			}
			if !emitBytes(append([]byte{}, buf[:n]...), false) {
				break
			}
		}
	}

	for _, id := range st.activeIDs() {
		status := StatusSuccess
		if st.isCanceled() {
			status = StatusCanceled
		}
		metrics.PayloadOutcomes.WithLabelValues(status.String()).Inc()
		e.emitProgress(id, p.ID, status, offset, p.TotalSize)
	}
	return nil
}

// Cancel cancels payload id whichever direction it is flowing: the local
// side sends CONTROL{canceled} to the peer(s) and immediately emits a
// canceled progress event, and the peer mirrors it when the control frame
// arrives. Cancellation is idempotent and symmetric.
func (e *Engine) Cancel(id int64) error {
	if e.cancelSend(id) {
		return nil
	}
	if e.cancelReceive(id) {
		return nil
	}
	return ErrUnknownPayload
}

func (e *Engine) cancelSend(id int64) bool {
	e.mu.Lock()
	st, ok := e.senders[id]
	e.mu.Unlock()
	if !ok {
		return false
	}

	ids := st.activeIDs()
	st.setCanceled()
	frame := &wire.OfflineFrame{
		Kind: wire.KindPayloadTransfer,
		PayloadTransfer: &wire.PayloadTransferFrame{
			Header:  st.header,
			Control: &wire.ControlMessage{Event: wire.ControlEventCanceled},
		},
	}
	e.mgr.Broadcast(ids, frame)
	// Clearing remaining here makes this emit the one terminal event: the
	// Send loop's own completion pass sees no active endpoints left.
	st.dropFailed(ids)
	for _, endpointID := range ids {
		metrics.PayloadOutcomes.WithLabelValues(StatusCanceled.String()).Inc()
		e.emitProgress(endpointID, id, StatusCanceled, 0, st.header.TotalSize)
	}
	return true
}

func (e *Engine) cancelReceive(id int64) bool {
	e.mu.Lock()
	var keys []recvKey
	states := make(map[recvKey]*receiverState)
	for key, rs := range e.receivers {
		if key.payloadID == id {
			keys = append(keys, key)
			states[key] = rs
			delete(e.receivers, key)
		}
	}
	e.mu.Unlock()
	if len(keys) == 0 {
		return false
	}

	for _, key := range keys {
		rs := states[key]
		if rs.spill != nil {
			rs.spill.removeAndClose()
		}
		e.mgr.SendFrame(key.endpointID, &wire.OfflineFrame{
			Kind: wire.KindPayloadTransfer,
			PayloadTransfer: &wire.PayloadTransferFrame{
				Header:  rs.header,
				Control: &wire.ControlMessage{Offset: rs.accepted, Event: wire.ControlEventCanceled},
			},
		})
		metrics.PayloadOutcomes.WithLabelValues(StatusCanceled.String()).Inc()
		e.emitProgress(key.endpointID, id, StatusCanceled, rs.accepted, rs.header.TotalSize)
	}
	return true
}

func (e *Engine) emitProgress(endpointID string, payloadID int64, status Status, transferred, total int64) {
	if l := e.listenerFor(endpointID); l != nil {
		l.PayloadProgress(endpointID, payloadID, status, transferred, total)
	}
}

func (s *senderState) activeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.remaining))
	for id, ok := range s.remaining {
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *senderState) dropFailed(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.remaining, id)
	}
}

func (s *senderState) setCanceled() {
	s.mu.Lock()
	s.canceled = true
	s.mu.Unlock()
}

func (s *senderState) isCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// receiverState tracks one incoming payload's reassembly.
type receiverState struct {
	header   wire.PayloadHeader
	accepted int64
	mem      []byte
	spill    *spillFile
	failed   bool
}

// ProcessFrame implements endpoint.FrameProcessor. It is invoked on the
// endpoint Manager's dispatch path for every KindPayloadTransfer frame.
func (e *Engine) ProcessFrame(endpointID string, frame *wire.OfflineFrame) {
	pt := frame.PayloadTransfer
	if pt == nil {
		return
	}
	key := recvKey{endpointID, pt.Header.ID}

	if pt.Control != nil && pt.Control.Event == wire.ControlEventCanceled {
		// The peer canceled. This side may be the receiver (tear down the
		// reassembly), the sender (stop chunking), or both are already gone
		// (duplicate control frame, ignored).
		e.mu.Lock()
		rs := e.receivers[key]
		delete(e.receivers, key)
		ss := e.senders[pt.Header.ID]
		e.mu.Unlock()

		if rs != nil {
			if rs.spill != nil {
				rs.spill.removeAndClose()
			}
			metrics.PayloadOutcomes.WithLabelValues(StatusCanceled.String()).Inc()
			e.emitProgress(endpointID, pt.Header.ID, StatusCanceled, rs.accepted, pt.Header.TotalSize)
		}
		if ss != nil {
			ss.setCanceled()
			ids := ss.activeIDs()
			ss.dropFailed(ids)
			for _, id := range ids {
				metrics.PayloadOutcomes.WithLabelValues(StatusCanceled.String()).Inc()
				e.emitProgress(id, pt.Header.ID, StatusCanceled, 0, pt.Header.TotalSize)
			}
		}
		return
	}
	if pt.Chunk == nil {
		return
	}

	e.mu.Lock()
	rs, ok := e.receivers[key]
	if !ok {
		rs = &receiverState{header: pt.Header}
		if pt.Header.Kind == wire.PayloadKindBytes && pt.Header.TotalSize >= 0 && pt.Header.TotalSize < spillThreshold {
			rs.mem = make([]byte, 0, pt.Header.TotalSize)
		} else {
			sf, err := newSpillFile(e.tempDir, pt.Header.ID)
			if err != nil {
				e.mu.Unlock()
				log.Warningf("endpoint %s: payload %d: spill file: %v", endpointID, pt.Header.ID, err)
				metrics.PayloadOutcomes.WithLabelValues(StatusFailed.String()).Inc()
				e.emitProgress(endpointID, pt.Header.ID, StatusFailed, 0, pt.Header.TotalSize)
				return
			}
			rs.spill = sf
		}
		e.receivers[key] = rs
	}
	e.mu.Unlock()

	if rs.failed {
		return
	}

	if pt.Chunk.Offset != rs.accepted {
		rs.failed = true
		e.mu.Lock()
		delete(e.receivers, key)
		e.mu.Unlock()
		if rs.spill != nil {
			rs.spill.removeAndClose()
		}
		metrics.PayloadOutcomes.WithLabelValues(StatusFailed.String()).Inc()
		e.emitProgress(endpointID, pt.Header.ID, StatusFailed, rs.accepted, pt.Header.TotalSize)
		return
	}

	if rs.mem != nil {
		rs.mem = append(rs.mem, pt.Chunk.Body...)
	} else if err := rs.spill.writeChunk(rs.accepted, pt.Chunk.Body); err != nil {
		log.Warningf("endpoint %s: payload %d: spill write: %v", endpointID, pt.Header.ID, err)
		e.mu.Lock()
		delete(e.receivers, key)
		e.mu.Unlock()
		rs.spill.removeAndClose()
		metrics.PayloadOutcomes.WithLabelValues(StatusFailed.String()).Inc()
		e.emitProgress(endpointID, pt.Header.ID, StatusFailed, rs.accepted, pt.Header.TotalSize)
		return
	}
	rs.accepted += int64(len(pt.Chunk.Body))
	metrics.PayloadBytesTransferred.WithLabelValues("receive", Kind(pt.Header.Kind).String()).Add(float64(len(pt.Chunk.Body)))

	done := pt.Chunk.Last || (pt.Header.TotalSize >= 0 && rs.accepted >= pt.Header.TotalSize)
	if !done {
		e.emitProgress(endpointID, pt.Header.ID, StatusInProgress, rs.accepted, pt.Header.TotalSize)
		return
	}

	e.mu.Lock()
	delete(e.receivers, key)
	e.mu.Unlock()

	rp := &ReceivedPayload{ID: pt.Header.ID, Kind: Kind(pt.Header.Kind)}
	if rs.mem != nil {
		rp.Data = rs.mem
	} else {
		data, path, err := rs.spill.finish()
		if err != nil {
			log.Warningf("endpoint %s: payload %d: spill finish: %v", endpointID, pt.Header.ID, err)
			metrics.PayloadOutcomes.WithLabelValues(StatusFailed.String()).Inc()
			e.emitProgress(endpointID, pt.Header.ID, StatusFailed, rs.accepted, pt.Header.TotalSize)
			return
		}
		if data != nil {
			rp.Data = data
		} else {
			rp.File = path
		}
	}

	metrics.PayloadOutcomes.WithLabelValues(StatusSuccess.String()).Inc()
	if l := e.listenerFor(endpointID); l != nil {
		l.Payload(endpointID, rp)
		l.PayloadProgress(endpointID, pt.Header.ID, StatusSuccess, rs.accepted, pt.Header.TotalSize)
	}
	if rp.File != "" {
		os.Remove(rp.File)
	}
}

// OnDisconnected implements endpoint.FrameProcessor: any in-flight receive
// from endpointID fails with its channel.
func (e *Engine) OnDisconnected(endpointID string) {
	e.mu.Lock()
	var toFail []recvKey
	for key, rs := range e.receivers {
		if key.endpointID == endpointID {
			toFail = append(toFail, key)
			if rs.spill != nil {
				rs.spill.removeAndClose()
			}
		}
	}
	for _, key := range toFail {
		delete(e.receivers, key)
	}
	e.mu.Unlock()

	for _, key := range toFail {
		metrics.PayloadOutcomes.WithLabelValues(StatusFailed.String()).Inc()
		e.emitProgress(endpointID, key.payloadID, StatusFailed, 0, 0)
	}
}

// spillFile is a reassembly buffer spilled to
// ${tempdir}/nearby-${payload_id}, encrypted at rest with AEZ (a wide-block
// cipher well suited to fixed-size chunk-like data) keyed by a fresh random
// key held only in memory for this process's lifetime.
type spillFile struct {
	f    *os.File
	key  [48]byte
	path string
}

func newSpillFile(dir string, payloadID int64) (*spillFile, error) {
	path := filepath.Join(dir, fmt.Sprintf("nearby-%d", payloadID))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	sf := &spillFile{f: f, path: path}
	if _, err := rand.Read(sf.key[:]); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return sf, nil
}

func (s *spillFile) writeChunk(offset int64, body []byte) error {
	nonce := chunkNonce(offset)
	ct := aez.Encrypt(s.key[:], nonce[:], nil, 16, body, nil)
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(ct)))
	if _, err := s.f.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := s.f.Write(ct)
	return err
}

// finish decrypts the spilled chunks back into memory for payloads small
// enough to hand to the caller directly, or leaves the plaintext decrypted
// in place and returns its path for larger ones. ProcessFrame removes that
// file once the success callbacks return, so the caller must consume File
// inside its Payload callback.
func (s *spillFile) finish() (data []byte, path string, err error) {
	if _, err = s.f.Seek(0, io.SeekStart); err != nil {
		return nil, "", err
	}
	var plain []byte
	var offset int64
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(s.f, lenPrefix[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, "", err
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		ct := make([]byte, n)
		if _, err := io.ReadFull(s.f, ct); err != nil {
			return nil, "", err
		}
		nonce := chunkNonce(offset)
		pt, ok := aez.Decrypt(s.key[:], nonce[:], nil, 16, ct, nil)
		if !ok {
			return nil, "", fmt.Errorf("payload: spill: authentication failed")
		}
		plain = append(plain, pt...)
		offset += int64(len(pt))
	}
	s.f.Close()

	if len(plain) < spillThreshold {
		os.Remove(s.path)
		return plain, "", nil
	}
	if err := os.WriteFile(s.path, plain, 0o600); err != nil {
		return nil, "", err
	}
	return nil, s.path, nil
}

func (s *spillFile) removeAndClose() {
	s.f.Close()
	os.Remove(s.path)
}

func chunkNonce(offset int64) [16]byte {
	var nonce [16]byte
	binary.BigEndian.PutUint64(nonce[8:], uint64(offset))
	return nonce
}
