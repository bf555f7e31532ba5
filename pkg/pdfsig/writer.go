package pdfsig

import (
	"bytes"
	"fmt"
	"sort"
)

// update collects the objects of one incremental update.
type update struct {
	r       *Reader
	next    int
	objects map[int]Object
	// offsets of the written objects in the complete output.
	offsets map[int]int
}

func newUpdate(r *Reader) *update {
	return &update{r: r, next: r.Size(), objects: map[int]Object{}, offsets: map[int]int{}}
}

// add stores a new object and returns its reference.
func (u *update) add(o Object) Ref {
	ref := Ref{Num: u.next}
	u.next++
	u.objects[ref.Num] = o
	return ref
}

// set replaces an existing object.
func (u *update) set(ref Ref, o Object) {
	u.objects[ref.Num] = o
}

// get returns the pending version of an object, falling back to the file.
func (u *update) get(ref Ref) Dict {
	if o, ok := u.objects[ref.Num]; ok {
		d, _ := o.(Dict)
		return d
	}
	return u.r.Dict(ref)
}

// write appends the update to the original file. The cross-reference
// section uses the same form as the newest section of the file.
func (u *update) write() []byte {
	var buf bytes.Buffer
	buf.Write(u.r.data)
	if n := len(u.r.data); n > 0 && u.r.data[n-1] != '\n' && u.r.data[n-1] != '\r' {
		buf.WriteByte('\n')
	}

	nums := make([]int, 0, len(u.objects))
	for num := range u.objects {
		nums = append(nums, num)
	}
	sort.Ints(nums)
	for _, num := range nums {
		u.offsets[num] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n", num)
		writeObject(&buf, u.objects[num])
		buf.WriteString("\nendobj\n")
	}

	trailer := Dict{
		"Root": u.r.RootRef(),
		"Prev": u.r.startxref,
	}
	for _, key := range []Name{"Info", "ID"} {
		if v, ok := u.r.trailer[key]; ok {
			trailer[key] = v
		}
	}

	if u.r.xrefStream {
		self := u.next
		nums = append(nums, self)
		offset := buf.Len()
		u.offsets[self] = offset
		trailer["Type"] = Name("XRef")
		trailer["Size"] = int64(self + 1)
		trailer["W"] = Array{int64(1), int64(4), int64(2)}
		trailer["Index"] = xrefIndex(nums)
		var rows []byte
		for _, num := range nums {
			off := u.offsets[num]
			rows = append(rows, 1, byte(off>>24), byte(off>>16), byte(off>>8), byte(off), 0, 0)
		}
		fmt.Fprintf(&buf, "%d 0 obj\n", self)
		writeObject(&buf, &Stream{Dict: trailer, Data: rows})
		buf.WriteString("\nendobj\n")
		fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", offset)
		return buf.Bytes()
	}

	trailer["Size"] = int64(u.next)
	offset := buf.Len()
	buf.WriteString("xref\n")
	for _, sub := range subsections(nums) {
		fmt.Fprintf(&buf, "%d %d\n", sub[0], len(sub))
		for _, num := range sub {
			fmt.Fprintf(&buf, "%010d 00000 n\r\n", u.offsets[num])
		}
	}
	buf.WriteString("trailer\n")
	writeObject(&buf, trailer)
	fmt.Fprintf(&buf, "\nstartxref\n%d\n%%%%EOF\n", offset)
	return buf.Bytes()
}

// subsections splits sorted object numbers into consecutive runs.
func subsections(nums []int) [][]int {
	var out [][]int
	for i, num := range nums {
		if i == 0 || num != nums[i-1]+1 {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], num)
	}
	return out
}

func xrefIndex(nums []int) Array {
	var idx Array
	for _, sub := range subsections(nums) {
		idx = append(idx, int64(sub[0]), int64(len(sub)))
	}
	return idx
}
