package detect

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"sync"
)

// ErrTooManyCameras is returned when no camera number is left to assign.
var ErrTooManyCameras = errors.New("camera numbers exhausted")

// CameraLister is the read-only roster query used for completeness checks.
// Implementations may change their answer between calls.
type CameraLister interface {
	CameraList() CameraSet
}

// CameraSet is a set of camera numbers. The zero value is empty and two sets
// compare equal with == when they hold the same members.
type CameraSet struct {
	bits [4]uint64
}

// NewCameraSet returns a set holding nums.
func NewCameraSet(nums ...CamNum) CameraSet {
	var s CameraSet
	for _, n := range nums {
		s.Add(n)
	}
	return s
}

// Add inserts n and reports whether it was not already present.
func (s *CameraSet) Add(n CamNum) bool {
	word, bit := n/64, uint64(1)<<(n%64)
	if s.bits[word]&bit != 0 {
		return false
	}
	s.bits[word] |= bit
	return true
}

// Remove deletes n from the set.
func (s *CameraSet) Remove(n CamNum) {
	s.bits[n/64] &^= uint64(1) << (n % 64)
}

// Contains reports whether n is a member.
func (s CameraSet) Contains(n CamNum) bool {
	return s.bits[n/64]&(uint64(1)<<(n%64)) != 0
}

// Len returns the number of members.
func (s CameraSet) Len() int {
	total := 0
	for _, w := range s.bits {
		total += bits.OnesCount64(w)
	}
	return total
}

// Members returns the camera numbers in ascending order.
func (s CameraSet) Members() []CamNum {
	out := make([]CamNum, 0, s.Len())
	for word, w := range s.bits {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			out = append(out, CamNum(word*64+tz))
			w &^= uint64(1) << tz
		}
	}
	return out
}

// CameraList lets a fixed set act as its own roster.
func (s CameraSet) CameraList() CameraSet { return s }

func (s CameraSet) String() string {
	members := s.Members()
	parts := make([]string, len(members))
	for i, m := range members {
		parts[i] = fmt.Sprint(m)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// CameraInfo describes one connected camera.
type CameraInfo struct {
	Num  CamNum
	Name CamName
}

// Roster tracks connected cameras. It is safe for concurrent use: camera
// connection handlers call Register/Remove while the bundler reads
// CameraList once per packet.
type Roster struct {
	mu           sync.RWMutex
	connected    map[CamName]CamNum
	notConnected map[CamName]CamNum
	nextNum      int
	onChange     func([]CameraInfo)
}

// NewRoster returns an empty roster. Camera numbers are pre-reserved, in
// order, for every calibrated camera name so that numbering is stable across
// restarts with the same calibration.
func NewRoster(calibrated []CamName) *Roster {
	r := &Roster{
		connected:    make(map[CamName]CamNum),
		notConnected: make(map[CamName]CamNum),
	}
	for _, name := range calibrated {
		if _, dup := r.notConnected[name]; dup || r.nextNum > 255 {
			continue
		}
		r.notConnected[name] = CamNum(r.nextNum)
		r.nextNum++
	}
	return r
}

// SetChangeCallback installs f, called with the sorted camera list after
// every Register/Remove. f runs without the roster lock held.
func (r *Roster) SetChangeCallback(f func([]CameraInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = f
}

// Register connects a camera and returns its number. Registering an
// already-connected camera returns its existing number.
func (r *Roster) Register(name CamName) (CamNum, error) {
	r.mu.Lock()
	if num, ok := r.connected[name]; ok {
		r.mu.Unlock()
		return num, nil
	}
	num, reserved := r.notConnected[name]
	if reserved {
		delete(r.notConnected, name)
	} else {
		if r.nextNum > 255 {
			r.mu.Unlock()
			return 0, fmt.Errorf("register %s: %w", name, ErrTooManyCameras)
		}
		num = CamNum(r.nextNum)
		r.nextNum++
	}
	r.connected[name] = num
	infos, cb := r.infosLocked(), r.onChange
	r.mu.Unlock()

	if cb != nil {
		cb(infos)
	}
	return num, nil
}

// Remove disconnects a camera. Its number stays reserved for reconnection.
func (r *Roster) Remove(name CamName) {
	r.mu.Lock()
	num, ok := r.connected[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.connected, name)
	r.notConnected[name] = num
	infos, cb := r.infosLocked(), r.onChange
	r.mu.Unlock()

	if cb != nil {
		cb(infos)
	}
}

// CameraList returns the currently connected cameras.
func (r *Roster) CameraList() CameraSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s CameraSet
	for _, num := range r.connected {
		s.Add(num)
	}
	return s
}

// CamNum returns the number of a connected camera.
func (r *Roster) CamNum(name CamName) (CamNum, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	num, ok := r.connected[name]
	return num, ok
}

// Name returns the name of a connected camera.
func (r *Roster) Name(num CamNum) (CamName, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, n := range r.connected {
		if n == num {
			return name, true
		}
	}
	return "", false
}

// Len returns the number of connected cameras.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connected)
}

// Cameras returns the connected cameras sorted by number.
func (r *Roster) Cameras() []CameraInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.infosLocked()
}

func (r *Roster) infosLocked() []CameraInfo {
	out := make([]CameraInfo, 0, len(r.connected))
	for name, num := range r.connected {
		out = append(out, CameraInfo{Num: num, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}
