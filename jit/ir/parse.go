package ir

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gojit/gojit/types/vartype"
)

// Parse decodes the IR text form into an executable Program. The input is
// exactly what the assembler produced (name placeholder already patched).
func Parse(text []byte) (*Program, error) {
	p := &Program{}
	labels := make(map[string]int32)
	type fixup struct {
		instr int
		label string
	}
	var fixups []fixup

	lines := strings.Split(string(text), "\n")
	lineNo := 0
	for _, raw := range lines {
		lineNo++
		line := strings.TrimSpace(raw)
		if idx := strings.IndexByte(line, ';'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, ".entry "):
			if err := parseHeader(p, line); err != nil {
				return nil, errors.WithMessagef(err, "line %d", lineNo)
			}
			continue
		case line == ".end":
			continue
		case strings.HasSuffix(line, ":"):
			name := line[:len(line)-1]
			if _, dup := labels[name]; dup {
				return nil, errors.Errorf("line %d: duplicate label %q", lineNo, name)
			}
			labels[name] = int32(len(p.Instrs))
			p.Instrs = append(p.Instrs, Instr{Op: OpLabel})
			continue
		}

		instr, label, err := parseInstr(line)
		if err != nil {
			return nil, errors.WithMessagef(err, "line %d: %q", lineNo, line)
		}
		if label != "" {
			fixups = append(fixups, fixup{instr: len(p.Instrs), label: label})
		}
		p.Instrs = append(p.Instrs, instr)
	}

	for _, f := range fixups {
		target, ok := labels[f.label]
		if !ok {
			return nil, errors.Errorf("undefined label %q", f.label)
		}
		p.Instrs[f.instr].Target = target
	}

	for _, instr := range p.Instrs {
		if n := instr.Dst + 1; n > p.NumRegs {
			p.NumRegs = n
		}
		for _, src := range instr.Src {
			if n := src + 1; n > p.NumRegs {
				p.NumRegs = n
			}
		}
		if instr.Slot >= 0 && int(instr.Slot)+1 > p.NumParams {
			p.NumParams = int(instr.Slot) + 1
		}
	}
	return p, nil
}

func parseHeader(p *Program, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return errors.New("malformed .entry header")
	}
	p.Name = fields[1]
	for _, field := range fields[2:] {
		key, value, found := strings.Cut(field, "=")
		if !found {
			return errors.Errorf("malformed header attribute %q", field)
		}
		switch key {
		case "backend":
			p.Backend = value
		case "regs", "params":
			// Informational; recomputed from the body.
		default:
			return errors.Errorf("unknown header attribute %q", key)
		}
	}
	return nil
}

// parseInstr decodes a single non-label body line; it returns the pending
// branch label name, if any.
func parseInstr(line string) (Instr, string, error) {
	instr := Instr{Slot: -1, Target: -1}

	// Destination form: "%rN = op ...".
	if strings.HasPrefix(line, "%r") {
		dstText, rest, found := strings.Cut(line, "=")
		if !found {
			return instr, "", errors.New("expected '='")
		}
		dst, err := parseReg(strings.TrimSpace(dstText))
		if err != nil {
			return instr, "", err
		}
		instr.Dst = dst
		line = strings.TrimSpace(rest)
	}

	mnemonic, operandText, _ := strings.Cut(line, " ")
	operands := splitOperands(operandText)

	name, suffixes := cutType(mnemonic)
	switch name {
	case "jmp":
		instr.Op = OpJmp
		if len(operands) != 1 {
			return instr, "", errors.New("jmp expects one operand")
		}
		return instr, operands[0], nil
	case "brz", "brnz":
		instr.Op = OpBrz
		if name == "brnz" {
			instr.Op = OpBrnz
		}
		if len(operands) != 2 {
			return instr, "", errors.Errorf("%s expects two operands", name)
		}
		src, err := parseReg(operands[0])
		if err != nil {
			return instr, "", err
		}
		instr.Src[0] = src
		return instr, operands[1], nil
	}

	if len(suffixes) >= 1 {
		t, ok := vartype.Parse(suffixes[0])
		if !ok {
			return instr, "", errors.Errorf("unknown type suffix %q", suffixes[0])
		}
		instr.Type = t
	}

	switch name {
	case "mov":
		if len(operands) != 1 {
			return instr, "", errors.New("mov expects one operand")
		}
		if strings.HasPrefix(operands[0], "#") {
			imm, err := strconv.ParseUint(strings.TrimPrefix(operands[0], "#0x"), 16, 64)
			if err != nil {
				return instr, "", errors.Wrapf(err, "bad immediate %q", operands[0])
			}
			instr.Op = OpMovImm
			instr.Imm = imm
			return instr, "", nil
		}
		instr.Op = OpMov
		return instr, "", fillRegs(&instr, operands, 1)
	case "index":
		instr.Op = OpIndex
		return instr, "", nil
	case "load_param", "load_param_scalar", "load_param_val", "store_param":
		switch name {
		case "load_param":
			instr.Op = OpLoadParam
		case "load_param_scalar":
			instr.Op = OpLoadParamScalar
		case "load_param_val":
			instr.Op = OpLoadParamVal
		case "store_param":
			instr.Op = OpStoreParam
		}
		if len(operands) < 1 {
			return instr, "", errors.Errorf("%s expects a [slot] operand", name)
		}
		slot, err := parseSlot(operands[0])
		if err != nil {
			return instr, "", err
		}
		instr.Slot = slot
		if instr.Op == OpStoreParam {
			if len(operands) != 2 {
				return instr, "", errors.New("store_param expects [slot], %reg")
			}
			src, err := parseReg(operands[1])
			if err != nil {
				return instr, "", err
			}
			instr.Src[0] = src
		}
		return instr, "", nil
	case "cvt":
		if len(suffixes) != 2 {
			return instr, "", errors.New("cvt expects two type suffixes")
		}
		t2, ok := vartype.Parse(suffixes[1])
		if !ok {
			return instr, "", errors.Errorf("unknown type suffix %q", suffixes[1])
		}
		instr.Op = OpCvt
		instr.Type2 = t2
		return instr, "", fillRegs(&instr, operands, 1)
	case "sel":
		instr.Op = OpSel
		return instr, "", fillRegs(&instr, operands, 3)
	case "gather":
		instr.Op = OpGather
		return instr, "", fillRegs(&instr, operands, 3)
	case "scatter", "scatter_add":
		instr.Op = OpScatter
		if name == "scatter_add" {
			instr.Op = OpScatterAdd
		}
		return instr, "", fillRegs(&instr, operands, 4)
	}

	binary := map[string]Opcode{
		"add": OpAdd, "sub": OpSub, "mul": OpMul, "div": OpDiv,
		"min": OpMin, "max": OpMax, "and": OpAnd, "or": OpOr, "xor": OpXor,
		"shl": OpShl, "shr": OpShr,
		"setlt": OpSetLt, "setle": OpSetLe, "setgt": OpSetGt,
		"setge": OpSetGe, "seteq": OpSetEq, "setne": OpSetNe,
	}
	if op, ok := binary[name]; ok {
		instr.Op = op
		return instr, "", fillRegs(&instr, operands, 2)
	}
	return instr, "", errors.Errorf("unknown mnemonic %q", mnemonic)
}

func cutType(mnemonic string) (string, []string) {
	parts := strings.Split(mnemonic, ".")
	return parts[0], parts[1:]
}

func splitOperands(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseReg(text string) (uint32, error) {
	if !strings.HasPrefix(text, "%r") {
		return 0, errors.Errorf("expected register, got %q", text)
	}
	n, err := strconv.ParseUint(text[2:], 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad register %q", text)
	}
	return uint32(n), nil
}

func parseSlot(text string) (int32, error) {
	if len(text) < 3 || text[0] != '[' || text[len(text)-1] != ']' {
		return 0, errors.Errorf("expected [slot], got %q", text)
	}
	n, err := strconv.ParseInt(text[1:len(text)-1], 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad slot %q", text)
	}
	return int32(n), nil
}

func fillRegs(instr *Instr, operands []string, n int) error {
	if len(operands) != n {
		return errors.Errorf("%s expects %d register operands, got %d",
			instr.Op, n, len(operands))
	}
	for i, operand := range operands {
		reg, err := parseReg(operand)
		if err != nil {
			return err
		}
		instr.Src[i] = reg
	}
	return nil
}
