// Package vectorfile stores fixed-width embedding vectors in a memory-mapped
// file kept sorted by row id.
//
// Layout (little-endian): an 8-byte record count followed by records of
// {row_id int64, magnitude float32, coords [dims]float32}. All offset
// arithmetic lives in this package.
package vectorfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	headerSize  = 8
	recordHead  = 12
	minSlack    = 4096
	slackFactor = 8
)

// ErrDimensionMismatch is returned when a vector does not have the file's
// dimensionality.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

var littleEndianHost = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// Vector is one stored record.
type Vector struct {
	RowID     int64
	Magnitude float32
	Coords    []float32
}

// File is a sorted, memory-mapped vector collection. It is safe for
// concurrent use.
type File struct {
	mu       sync.RWMutex
	f        *os.File
	data     []byte
	dims     int
	stride   int
	count    int
	capacity int
}

// Open maps path, creating it when missing.
func Open(path string, dims int) (*File, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("open vector file: dims must be > 0")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open vector file: %w", err)
	}
	vf := &File{f: f, dims: dims, stride: recordHead + 4*dims}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat vector file: %w", err)
	}
	size := info.Size()
	if size < headerSize {
		size = vf.fileSize(minSlack)
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("size vector file: %w", err)
		}
	}
	if err := vf.mmap(size); err != nil {
		_ = f.Close()
		return nil, err
	}
	vf.count = int(binary.LittleEndian.Uint64(vf.data[:headerSize]))
	if vf.count > vf.capacity {
		_ = vf.Close()
		return nil, fmt.Errorf("vector file %s: header count %d exceeds capacity %d", path, vf.count, vf.capacity)
	}
	return vf, nil
}

// Dims returns the vector dimensionality.
func (v *File) Dims() int { return v.dims }

// Len returns the number of stored vectors.
func (v *File) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.count
}

// RowIDs returns every row id in stored order.
func (v *File) RowIDs() []int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]int64, v.count)
	for i := range out {
		out[i] = v.rowID(i)
	}
	return out
}

// Get looks up rowID by binary search.
func (v *File) Get(rowID int64) (Vector, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	i, ok := v.search(rowID)
	if !ok {
		return Vector{}, false
	}
	return v.record(i), true
}

// Insert merges vectors into the file. Existing row ids are overwritten in
// place; new ones are shifted into sorted position. Within a batch the last
// vector for a row id wins.
func (v *File) Insert(vectors ...Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	batch := make([]Vector, len(vectors))
	copy(batch, vectors)
	for _, vec := range batch {
		if len(vec.Coords) != v.dims {
			return fmt.Errorf("insert row %d: %w: got %d want %d", vec.RowID, ErrDimensionMismatch, len(vec.Coords), v.dims)
		}
	}
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].RowID < batch[j].RowID })
	batch = dedupeLast(batch)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.grow(v.count + len(batch)); err != nil {
		return err
	}
	for _, vec := range batch {
		i, found := v.search(vec.RowID)
		if !found {
			if i < v.count {
				copy(v.data[v.offset(i+1):v.offset(v.count+1)], v.data[v.offset(i):v.offset(v.count)])
			}
			v.count++
		}
		v.write(i, vec)
	}
	v.writeHeader()
	return nil
}

// Delete removes the given row ids, keeping the remaining records in order.
// It returns how many were removed.
func (v *File) Delete(rowIDs ...int64) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	var idx []int
	for _, id := range rowIDs {
		if i, ok := v.search(id); ok {
			idx = append(idx, i)
		}
	}
	return v.compact(idx)
}

// DeleteRange removes every row id in [lo, hi).
func (v *File) DeleteRange(lo, hi int64) int {
	if hi <= lo {
		return 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	start, _ := v.search(lo)
	end, _ := v.search(hi)
	if end <= start {
		return 0
	}
	copy(v.data[v.offset(start):], v.data[v.offset(end):v.offset(v.count)])
	removed := end - start
	v.count -= removed
	v.writeHeader()
	return removed
}

// DeleteFunc removes every record whose row id satisfies fn.
func (v *File) DeleteFunc(fn func(rowID int64) bool) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	var idx []int
	for i := 0; i < v.count; i++ {
		if fn(v.rowID(i)) {
			idx = append(idx, i)
		}
	}
	return v.compact(idx)
}

// Reset drops every record without shrinking the file.
func (v *File) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.count = 0
	v.writeHeader()
}

// Sync flushes dirty pages to disk.
func (v *File) Sync() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.data == nil {
		return nil
	}
	if err := unix.Msync(v.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync vector file: %w", err)
	}
	return nil
}

// Close flushes and unmaps the file.
func (v *File) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	var errs []error
	if v.data != nil {
		if err := unix.Msync(v.data, unix.MS_SYNC); err != nil {
			errs = append(errs, fmt.Errorf("msync vector file: %w", err))
		}
		if err := unix.Munmap(v.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap vector file: %w", err))
		}
		v.data = nil
	}
	if v.f != nil {
		if err := v.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vector file: %w", err))
		}
		v.f = nil
	}
	return errors.Join(errs...)
}

// compact removes the records at the given indices with one ordered pass.
func (v *File) compact(idx []int) int {
	if len(idx) == 0 {
		return 0
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	write := idx[0]
	for k, del := range idx {
		next := v.count
		if k+1 < len(idx) {
			next = idx[k+1]
		}
		run := next - (del + 1)
		if run > 0 {
			copy(v.data[v.offset(write):], v.data[v.offset(del+1):v.offset(next)])
			write += run
		}
	}
	v.count -= len(idx)
	v.writeHeader()
	return len(idx)
}

func (v *File) search(rowID int64) (int, bool) {
	i := sort.Search(v.count, func(i int) bool { return v.rowID(i) >= rowID })
	return i, i < v.count && v.rowID(i) == rowID
}

// grow remaps the file so it holds at least need records. The old mapping
// stays live until the new one exists, so a failure leaves v untouched.
func (v *File) grow(need int) error {
	if need <= v.capacity {
		return nil
	}
	slack := max(minSlack, need/slackFactor)
	size := v.fileSize(need + slack)
	if err := v.f.Truncate(size); err != nil {
		return fmt.Errorf("grow vector file: %w", err)
	}
	data, err := v.mapRegion(size)
	if err != nil {
		return err
	}
	old := v.data
	v.adopt(data)
	if err := unix.Munmap(old); err != nil {
		return fmt.Errorf("munmap vector file: %w", err)
	}
	return nil
}

func (v *File) mmap(size int64) error {
	data, err := v.mapRegion(size)
	if err != nil {
		return err
	}
	v.adopt(data)
	return nil
}

func (v *File) mapRegion(size int64) ([]byte, error) {
	data, err := unix.Mmap(int(v.f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap vector file: %w", err)
	}
	return data, nil
}

func (v *File) adopt(data []byte) {
	v.data = data
	v.capacity = (len(data) - headerSize) / v.stride
}

func (v *File) fileSize(records int) int64 {
	page := int64(os.Getpagesize())
	raw := int64(headerSize + records*v.stride)
	return (raw + page - 1) / page * page
}

func (v *File) offset(i int) int { return headerSize + i*v.stride }

func (v *File) writeHeader() {
	binary.LittleEndian.PutUint64(v.data[:headerSize], uint64(v.count))
}

func (v *File) rowID(i int) int64 {
	off := v.offset(i)
	return int64(binary.LittleEndian.Uint64(v.data[off : off+8]))
}

func (v *File) magnitude(i int) float32 {
	off := v.offset(i) + 8
	return math.Float32frombits(binary.LittleEndian.Uint32(v.data[off : off+4]))
}

// coords returns a view of record i's coordinates. On little-endian hosts the
// view aliases the mapping and is only valid while the read lock is held.
func (v *File) coords(i int, scratch []float32) []float32 {
	off := v.offset(i) + recordHead
	if littleEndianHost {
		return unsafe.Slice((*float32)(unsafe.Pointer(&v.data[off])), v.dims)
	}
	for k := range scratch[:v.dims] {
		p := off + 4*k
		scratch[k] = math.Float32frombits(binary.LittleEndian.Uint32(v.data[p : p+4]))
	}
	return scratch[:v.dims]
}

func (v *File) record(i int) Vector {
	coords := make([]float32, v.dims)
	copy(coords, v.coords(i, coords))
	return Vector{RowID: v.rowID(i), Magnitude: v.magnitude(i), Coords: coords}
}

func (v *File) write(i int, vec Vector) {
	off := v.offset(i)
	mag := vec.Magnitude
	if mag == 0 {
		mag = Magnitude(vec.Coords)
	}
	binary.LittleEndian.PutUint64(v.data[off:off+8], uint64(vec.RowID))
	binary.LittleEndian.PutUint32(v.data[off+8:off+12], math.Float32bits(mag))
	p := off + recordHead
	for _, c := range vec.Coords {
		binary.LittleEndian.PutUint32(v.data[p:p+4], math.Float32bits(c))
		p += 4
	}
}

func dedupeLast(sorted []Vector) []Vector {
	out := sorted[:0]
	for i, vec := range sorted {
		if i+1 < len(sorted) && sorted[i+1].RowID == vec.RowID {
			continue
		}
		out = append(out, vec)
	}
	return out
}

// Magnitude returns the Euclidean norm of coords.
func Magnitude(coords []float32) float32 {
	var sum float64
	for _, c := range coords {
		sum += float64(c) * float64(c)
	}
	return float32(math.Sqrt(sum))
}
