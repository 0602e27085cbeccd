package engine

// Minimal binary-format assembler for test modules.

const (
	i32 = 0x7f
	i64 = 0x7e

	opUnreachable = 0x00
	opLoop        = 0x03
	opBr          = 0x0c
	opCall        = 0x10
	opLocalGet    = 0x20
	opI32Const    = 0x41
	opI64Const    = 0x42
	opI64Or       = 0x84
	opI64Shl      = 0x86
	opI64ExtendU  = 0xad
	opEnd         = 0x0b

	blockEmpty = 0x40

	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func name(s string) []byte { return cat(uleb(uint64(len(s))), []byte(s)) }

func funcType(params, results []byte) []byte {
	return cat([]byte{0x60}, uleb(uint64(len(params))), params, uleb(uint64(len(results))), results)
}

type wasmImport struct {
	module, field string
	typ           uint32
}

type wasmExport struct {
	name string
	kind byte
	idx  uint32
}

type wasmFunc struct {
	typ  uint32
	body []byte // instructions, without the trailing end
}

// wasmModule describes a module with at most one memory
type wasmModule struct {
	types    [][]byte
	imports  []wasmImport
	funcs    []wasmFunc
	memPages int // -1 for no memory
	heapBase int // -1 for no __heap_base global
	exports  []wasmExport
	start    int // -1 for no start function
}

func section(id byte, items [][]byte) []byte {
	body := cat(uleb(uint64(len(items))), cat(items...))
	return cat([]byte{id}, uleb(uint64(len(body))), body)
}

func (m wasmModule) bytes() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, m.types)...)

	if len(m.imports) > 0 {
		var items [][]byte
		for _, imp := range m.imports {
			items = append(items, cat(name(imp.module), name(imp.field), []byte{kindFunc}, uleb(uint64(imp.typ))))
		}
		out = append(out, section(2, items)...)
	}

	var decls, codes [][]byte
	for _, f := range m.funcs {
		decls = append(decls, uleb(uint64(f.typ)))
		body := cat([]byte{0x00}, f.body, []byte{opEnd})
		codes = append(codes, cat(uleb(uint64(len(body))), body))
	}
	out = append(out, section(3, decls)...)

	if m.memPages >= 0 {
		out = append(out, section(5, [][]byte{cat([]byte{0x00}, uleb(uint64(m.memPages)))})...)
	}
	if m.heapBase >= 0 {
		global := cat([]byte{i32, 0x00, opI32Const}, sleb(int64(m.heapBase)), []byte{opEnd})
		out = append(out, section(6, [][]byte{global})...)
	}

	var exports [][]byte
	for _, e := range m.exports {
		exports = append(exports, cat(name(e.name), []byte{e.kind}, uleb(uint64(e.idx))))
	}
	out = append(out, section(7, exports)...)

	if m.start >= 0 {
		out = append(out, cat([]byte{8}, uleb(uint64(len(uleb(uint64(m.start))))), uleb(uint64(m.start)))...)
	}

	out = append(out, section(10, codes)...)
	return out
}

var (
	entryType = funcType([]byte{i32, i32}, []byte{i64})
	hostType  = funcType([]byte{i32, i32}, nil)
	voidType  = funcType(nil, nil)
)

// entryModule has one defined function used as validate_block
func entryModule(body []byte) wasmModule {
	return wasmModule{
		types:    [][]byte{entryType},
		funcs:    []wasmFunc{{typ: 0, body: body}},
		memPages: 1,
		heapBase: 1024,
		exports: []wasmExport{
			{"memory", kindMemory, 0},
			{"validate_block", kindFunc, 0},
			{"__heap_base", kindGlobal, 0},
		},
		start: -1,
	}
}

// echoBody returns (len << 32 | ptr), handing the input straight back
var echoBody = []byte{
	opLocalGet, 1, opI64ExtendU,
	opI64Const, 32, opI64Shl,
	opLocalGet, 0, opI64ExtendU,
	opI64Or,
}

func constBody(v int64) []byte {
	return cat([]byte{opI64Const}, sleb(v))
}

func echoModule() []byte { return entryModule(echoBody).bytes() }

// loopModule never returns: loop (br 0)
func loopModule() []byte {
	return entryModule(cat([]byte{opLoop, blockEmpty, opBr, 0, opEnd}, constBody(0))).bytes()
}

func trapModule() []byte {
	return entryModule([]byte{opUnreachable}).bytes()
}

func abortModule() []byte {
	return wasmModule{
		types:    [][]byte{entryType, hostType},
		imports:  []wasmImport{{"env", "ext_abort", 1}},
		funcs:    []wasmFunc{{typ: 0, body: cat([]byte{opI32Const, 0, opI32Const, 0, opCall, 0}, constBody(0))}},
		memPages: 1,
		heapBase: -1,
		exports: []wasmExport{
			{"memory", kindMemory, 0},
			{"validate_block", kindFunc, 1},
		},
		start: -1,
	}.bytes()
}

func startTrapModule() []byte {
	m := entryModule(echoBody)
	m.types = append(m.types, voidType)
	m.funcs = append(m.funcs, wasmFunc{typ: 1, body: []byte{opUnreachable}})
	m.start = 1
	return m.bytes()
}
