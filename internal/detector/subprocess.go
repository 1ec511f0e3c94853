package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// SubprocessBinder binds detectors that run in an external helper process,
// typically the vendor's accelerated AprilTag service.
//
// Protocol, all on the helper's stdin/stdout:
//  1. the binder writes one JSON bind line and reads one JSON reply line
//  2. per frame, the detector writes a 4-byte big-endian length followed by
//     the raw RGBA bytes and reads one JSON reply line with the tags
type SubprocessBinder struct {
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
	// Stderr receives the helper's stderr; defaults to os.Stderr.
	Stderr io.Writer
}

// NewSubprocessBinder creates a binder that launches path with args.
func NewSubprocessBinder(path string, args ...string) *SubprocessBinder {
	return &SubprocessBinder{
		Path: path,
		Args: args,
	}
}

// SubprocessDetector implements Detector on top of a running helper process.
type SubprocessDetector struct {
	params BindParams
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	mu     sync.Mutex
	bound  bool
}

// Bind starts the helper and sends it the frame layout and camera parameters.
func (b *SubprocessBinder) Bind(params BindParams) (Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid bind parameters")
	}
	if b.Path == "" {
		return nil, errors.New("detector helper path is empty")
	}

	cmd := exec.Command(b.Path, b.Args...)
	if len(b.Env) > 0 {
		cmd.Env = append(os.Environ(), b.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "create stdin pipe")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "create stdout pipe")
	}

	cmd.Stderr = b.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start detector helper")
	}

	d := &SubprocessDetector{
		params: params,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}

	if err := d.handshake(); err != nil {
		d.shutdown()
		return nil, err
	}

	d.bound = true
	return d, nil
}

// Detect sends frame to the helper and returns the tags it reports.
func (d *SubprocessDetector) Detect(frame *gocv.Mat) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.bound {
		return nil, ErrNotBound
	}
	if frame == nil || frame.Empty() {
		return nil, errors.New("frame is empty")
	}

	data := frame.ToBytes()
	if len(data) != d.params.Geometry.Size {
		return nil, errors.Errorf("frame is %d bytes, detector is bound to %d", len(data), d.params.Geometry.Size)
	}

	// Write length (4 bytes big-endian) + data
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := d.stdin.Write(length); err != nil {
		return nil, errors.Wrap(err, "write length")
	}
	if _, err := d.stdin.Write(data); err != nil {
		return nil, errors.Wrap(err, "write frame")
	}

	var reply detectReply
	if err := d.readReply(&reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.Errorf("detector helper: %s", reply.Error)
	}

	result := make([]Detection, 0, len(reply.Tags))
	for _, tag := range reply.Tags {
		result = append(result, tag.toDetection())
	}

	return Limit(result, d.params.MaxTags), nil
}

// Close shuts down the helper process.
func (d *SubprocessDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown()
}

func (d *SubprocessDetector) handshake() error {
	g := d.params.Geometry
	in := d.params.Intrinsics

	line, err := json.Marshal(bindRequest{
		Width:         g.Width,
		Height:        g.Height,
		Size:          g.Size,
		Stride:        g.Stride,
		Fx:            in.Fx,
		Fy:            in.Fy,
		Ppx:           in.Ppx,
		Ppy:           in.Ppy,
		TagEdgeLength: d.params.TagEdgeLength,
		MaxTags:       d.params.MaxTags,
	})
	if err != nil {
		return errors.Wrap(err, "encode bind request")
	}

	if _, err := d.stdin.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "write bind request")
	}

	var reply bindReply
	if err := d.readReply(&reply); err != nil {
		return err
	}
	if !reply.OK {
		return errors.Errorf("detector helper refused bind: %s", reply.Error)
	}

	return nil
}

func (d *SubprocessDetector) readReply(v any) error {
	line, err := d.stdout.ReadBytes('\n')
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if err := json.Unmarshal(line, v); err != nil {
		return errors.Wrap(err, "parse response")
	}
	return nil
}

func (d *SubprocessDetector) shutdown() error {
	if d.cmd == nil {
		return nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.bound = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil

	return err
}

type bindRequest struct {
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Size          int     `json:"size"`
	Stride        int     `json:"stride"`
	Fx            float64 `json:"fx"`
	Fy            float64 `json:"fy"`
	Ppx           float64 `json:"ppx"`
	Ppy           float64 `json:"ppy"`
	TagEdgeLength float64 `json:"tag_edge_length"`
	MaxTags       int     `json:"max_tags"`
}

type bindReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type detectReply struct {
	Tags  []jsonTag `json:"tags"`
	Error string    `json:"error,omitempty"`
}

// jsonTag represents one tag as reported by the helper.
type jsonTag struct {
	ID          int       `json:"id"`
	Translation []float64 `json:"translation"`
}

func (t jsonTag) toDetection() Detection {
	d := Detection{ID: t.ID}
	copy(d.Translation[:], t.Translation)
	return d
}
