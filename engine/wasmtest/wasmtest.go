// Package wasmtest assembles tiny WebAssembly modules for tests, so the
// repository does not need checked-in binaries or a wasm toolchain.
package wasmtest

import (
	"os"
	"path/filepath"
	"testing"
)

const (
	valI32 = 0x7f

	opUnreachable = 0x00
	opLoop        = 0x03
	opBr          = 0x0c
	opEnd         = 0x0b
	opCall        = 0x10
	opDrop        = 0x1a
	opI32Const    = 0x41
	opI32Store    = 0x36

	kindFunc   = 0x00
	kindMemory = 0x02

	wasiModule = "wasi_snapshot_preview1"

	// messageOffset is where Hello places its data segment; the first bytes
	// of memory hold the iovec and the nwritten result.
	messageOffset = 16
)

type funcType struct {
	params  []byte
	results []byte
}

type importEntry struct {
	module, name string
	typeIdx      uint32
}

type funcEntry struct {
	typeIdx uint32
	body    []byte // instructions without the trailing end
}

type exportEntry struct {
	name string
	kind byte
	idx  uint32
}

type dataEntry struct {
	offset int32
	bytes  []byte
}

type builder struct {
	types   []funcType
	imports []importEntry
	funcs   []funcEntry
	exports []exportEntry
	memory  bool
	data    []dataEntry
}

func (b *builder) addType(params, results []byte) uint32 {
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// addFunc appends a defined function and returns its index in the function
// index space, which starts after the imports.
func (b *builder) addFunc(typeIdx uint32, body []byte) uint32 {
	b.funcs = append(b.funcs, funcEntry{typeIdx: typeIdx, body: body})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

func (b *builder) withMemory() {
	b.memory = true
	b.exports = append(b.exports, exportEntry{name: "memory", kind: kindMemory, idx: 0})
}

func (b *builder) encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(b.types)))
		for _, t := range b.types {
			p = append(p, 0x60)
			p = appendU32(p, uint32(len(t.params)))
			p = append(p, t.params...)
			p = appendU32(p, uint32(len(t.results)))
			p = append(p, t.results...)
		}
		out = appendSection(out, 1, p)
	}

	if len(b.imports) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(b.imports)))
		for _, imp := range b.imports {
			p = appendName(p, imp.module)
			p = appendName(p, imp.name)
			p = append(p, kindFunc)
			p = appendU32(p, imp.typeIdx)
		}
		out = appendSection(out, 2, p)
	}

	if len(b.funcs) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			p = appendU32(p, f.typeIdx)
		}
		out = appendSection(out, 3, p)
	}

	if b.memory {
		// One memory, no maximum, one page minimum.
		out = appendSection(out, 5, []byte{0x01, 0x00, 0x01})
	}

	if len(b.exports) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(b.exports)))
		for _, e := range b.exports {
			p = appendName(p, e.name)
			p = append(p, e.kind)
			p = appendU32(p, e.idx)
		}
		out = appendSection(out, 7, p)
	}

	if len(b.funcs) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			code := []byte{0x00} // no locals
			code = append(code, f.body...)
			code = append(code, opEnd)
			p = appendU32(p, uint32(len(code)))
			p = append(p, code...)
		}
		out = appendSection(out, 10, p)
	}

	if len(b.data) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(b.data)))
		for _, d := range b.data {
			p = append(p, 0x00, opI32Const)
			p = appendS32(p, d.offset)
			p = append(p, opEnd)
			p = appendU32(p, uint32(len(d.bytes)))
			p = append(p, d.bytes...)
		}
		out = appendSection(out, 11, p)
	}

	return out
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(payload)))
	return append(out, payload...)
}

func appendName(out []byte, s string) []byte {
	out = appendU32(out, uint32(len(s)))
	return append(out, s...)
}

// appendU32 writes v as unsigned LEB128.
func appendU32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

// appendS32 writes v as signed LEB128.
func appendS32(out []byte, v int32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func i32Const(out []byte, v int32) []byte {
	out = append(out, opI32Const)
	return appendS32(out, v)
}

// Hello returns a module whose export entry writes message to stdout with
// WASI fd_write and returns.
func Hello(entry, message string) []byte {
	var b builder
	fdWrite := b.addType([]byte{valI32, valI32, valI32, valI32}, []byte{valI32})
	void := b.addType(nil, nil)
	b.imports = append(b.imports, importEntry{module: wasiModule, name: "fd_write", typeIdx: fdWrite})
	b.withMemory()

	var body []byte
	// iovec.buf = messageOffset
	body = i32Const(body, 0)
	body = i32Const(body, messageOffset)
	body = append(body, opI32Store, 0x02, 0x00)
	// iovec.len = len(message)
	body = i32Const(body, 4)
	body = i32Const(body, int32(len(message)))
	body = append(body, opI32Store, 0x02, 0x00)
	// fd_write(1, iovs=0, iovs_len=1, nwritten=8)
	body = i32Const(body, 1)
	body = i32Const(body, 0)
	body = i32Const(body, 1)
	body = i32Const(body, 8)
	body = append(body, opCall, 0x00, opDrop)

	idx := b.addFunc(void, body)
	b.exports = append(b.exports, exportEntry{name: entry, kind: kindFunc, idx: idx})
	b.data = append(b.data, dataEntry{offset: messageOffset, bytes: []byte(message)})
	return b.encode()
}

// Trap returns a module whose export entry executes unreachable.
func Trap(entry string) []byte {
	var b builder
	void := b.addType(nil, nil)
	idx := b.addFunc(void, []byte{opUnreachable})
	b.exports = append(b.exports, exportEntry{name: entry, kind: kindFunc, idx: idx})
	return b.encode()
}

// Spin returns a module whose export entry loops forever.
func Spin(entry string) []byte {
	var b builder
	void := b.addType(nil, nil)
	idx := b.addFunc(void, []byte{opLoop, 0x40, opBr, 0x00, opEnd})
	b.exports = append(b.exports, exportEntry{name: entry, kind: kindFunc, idx: idx})
	return b.encode()
}

// Exit returns a module whose export entry calls WASI proc_exit(code).
func Exit(entry string, code int32) []byte {
	var b builder
	procExit := b.addType([]byte{valI32}, nil)
	void := b.addType(nil, nil)
	b.imports = append(b.imports, importEntry{module: wasiModule, name: "proc_exit", typeIdx: procExit})
	b.withMemory()

	body := i32Const(nil, code)
	body = append(body, opCall, 0x00)
	idx := b.addFunc(void, body)
	b.exports = append(b.exports, exportEntry{name: entry, kind: kindFunc, idx: idx})
	return b.encode()
}

// WithParam returns a module whose export entry takes one i32 parameter.
func WithParam(entry string) []byte {
	var b builder
	typ := b.addType([]byte{valI32}, nil)
	idx := b.addFunc(typ, nil)
	b.exports = append(b.exports, exportEntry{name: entry, kind: kindFunc, idx: idx})
	return b.encode()
}

// WriteModule writes wasm to dir/name and returns the full path.
func WriteModule(t testing.TB, dir, name string, wasm []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, wasm, 0o755); err != nil {
		t.Fatalf("failed to write module %s: %v", path, err)
	}
	return path
}
