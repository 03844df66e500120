package ir

// Optimize runs the constant-folding, dead-branch-elimination, double-
// negation-removal, and All/Any simplification passes over an expression
// tree, applied once at rule load time. Optimization preserves
// observable semantics including short-circuit behavior.
func Optimize(e *Expr) *Expr {
	e = foldConstants(e)
	e = eliminateDeadBranches(e)
	e = removeDoubleNegation(e)
	return e
}

func foldConstants(e *Expr) *Expr {
	switch e.Kind {
	case NodeUnary:
		inner := foldConstants(e.Operand)
		switch e.UnaryOp {
		case OpNot:
			if inner.Kind == NodeBool {
				return BoolExpr(!inner.Bool)
			}
		case OpNeg:
			if inner.Kind == NodeInt {
				return IntExpr(-inner.Int)
			}
			if inner.Kind == NodeFloat {
				return FloatExpr(-inner.Float)
			}
		}
		return UnaryExpr(e.UnaryOp, inner)

	case NodeBinary:
		lhs := foldConstants(e.LHS)
		rhs := foldConstants(e.RHS)
		return foldBinary(e.BinaryOp, lhs, rhs)

	case NodeTernary:
		return TernaryExpr(foldConstants(e.Cond), foldConstants(e.Then), foldConstants(e.Else))

	case NodeAll:
		out := make([]*Expr, len(e.Exprs))
		for i, x := range e.Exprs {
			out[i] = foldConstants(x)
		}
		return AllExpr(out)

	case NodeAny:
		out := make([]*Expr, len(e.Exprs))
		for i, x := range e.Exprs {
			out[i] = foldConstants(x)
		}
		return AnyExpr(out)

	case NodeCall:
		args := make([]*Expr, len(e.Args))
		for i, a := range e.Args {
			args[i] = foldConstants(a)
		}
		return CallExpr(e.CallName, args)

	case NodeList:
		items := make([]*Expr, len(e.List))
		for i, it := range e.List {
			items[i] = foldConstants(it)
		}
		return ListExpr(items)

	case NodeMap:
		entries := make([]MapEntry, len(e.Map))
		for i, entry := range e.Map {
			entries[i] = MapEntry{Key: entry.Key, Value: foldConstants(entry.Value)}
		}
		return MapExpr(entries)

	case NodeField:
		return FieldExpr(foldConstants(e.Base), e.Field)

	case NodeIndex:
		return IndexExpr(foldConstants(e.Base), foldConstants(e.Index))

	default:
		return e
	}
}

func foldBinary(op BinaryOp, lhs, rhs *Expr) *Expr {
	switch {
	// Integer arithmetic.
	case op == OpAdd && lhs.Kind == NodeInt && rhs.Kind == NodeInt:
		return IntExpr(lhs.Int + rhs.Int)
	case op == OpSub && lhs.Kind == NodeInt && rhs.Kind == NodeInt:
		return IntExpr(lhs.Int - rhs.Int)
	case op == OpMul && lhs.Kind == NodeInt && rhs.Kind == NodeInt:
		return IntExpr(lhs.Int * rhs.Int)
	case op == OpDiv && lhs.Kind == NodeInt && rhs.Kind == NodeInt && rhs.Int != 0:
		return IntExpr(lhs.Int / rhs.Int)
	case op == OpMod && lhs.Kind == NodeInt && rhs.Kind == NodeInt && rhs.Int != 0:
		return IntExpr(lhs.Int % rhs.Int)

	// Float arithmetic.
	case op == OpAdd && lhs.Kind == NodeFloat && rhs.Kind == NodeFloat:
		return FloatExpr(lhs.Float + rhs.Float)
	case op == OpSub && lhs.Kind == NodeFloat && rhs.Kind == NodeFloat:
		return FloatExpr(lhs.Float - rhs.Float)
	case op == OpMul && lhs.Kind == NodeFloat && rhs.Kind == NodeFloat:
		return FloatExpr(lhs.Float * rhs.Float)
	case op == OpDiv && lhs.Kind == NodeFloat && rhs.Kind == NodeFloat && rhs.Float != 0:
		return FloatExpr(lhs.Float / rhs.Float)

	// Integer comparison.
	case op == OpEq && lhs.Kind == NodeInt && rhs.Kind == NodeInt:
		return BoolExpr(lhs.Int == rhs.Int)
	case op == OpNe && lhs.Kind == NodeInt && rhs.Kind == NodeInt:
		return BoolExpr(lhs.Int != rhs.Int)
	case op == OpLt && lhs.Kind == NodeInt && rhs.Kind == NodeInt:
		return BoolExpr(lhs.Int < rhs.Int)
	case op == OpLe && lhs.Kind == NodeInt && rhs.Kind == NodeInt:
		return BoolExpr(lhs.Int <= rhs.Int)
	case op == OpGt && lhs.Kind == NodeInt && rhs.Kind == NodeInt:
		return BoolExpr(lhs.Int > rhs.Int)
	case op == OpGe && lhs.Kind == NodeInt && rhs.Kind == NodeInt:
		return BoolExpr(lhs.Int >= rhs.Int)

	// String comparison.
	case op == OpEq && lhs.Kind == NodeString && rhs.Kind == NodeString:
		return BoolExpr(lhs.String == rhs.String)
	case op == OpNe && lhs.Kind == NodeString && rhs.Kind == NodeString:
		return BoolExpr(lhs.String != rhs.String)

	// Boolean logic (preserving short-circuit identity, not just the value).
	case op == OpAnd && lhs.Kind == NodeBool && rhs.Kind == NodeBool:
		return BoolExpr(lhs.Bool && rhs.Bool)
	case op == OpOr && lhs.Kind == NodeBool && rhs.Kind == NodeBool:
		return BoolExpr(lhs.Bool || rhs.Bool)
	case op == OpAnd && lhs.Kind == NodeBool && !lhs.Bool:
		return BoolExpr(false)
	case op == OpOr && lhs.Kind == NodeBool && lhs.Bool:
		return BoolExpr(true)
	case op == OpAnd && lhs.Kind == NodeBool && lhs.Bool:
		return rhs
	case op == OpOr && lhs.Kind == NodeBool && !lhs.Bool:
		return rhs

	// String operations on constants.
	case op == OpContains && lhs.Kind == NodeString && rhs.Kind == NodeString:
		return BoolExpr(contains(lhs.String, rhs.String))
	case op == OpStartsWith && lhs.Kind == NodeString && rhs.Kind == NodeString:
		return BoolExpr(hasPrefix(lhs.String, rhs.String))
	case op == OpEndsWith && lhs.Kind == NodeString && rhs.Kind == NodeString:
		return BoolExpr(hasSuffix(lhs.String, rhs.String))

	default:
		return BinaryExpr(op, lhs, rhs)
	}
}

func eliminateDeadBranches(e *Expr) *Expr {
	switch e.Kind {
	case NodeTernary:
		cond := eliminateDeadBranches(e.Cond)
		then := eliminateDeadBranches(e.Then)
		els := eliminateDeadBranches(e.Else)
		if cond.Kind == NodeBool {
			if cond.Bool {
				return then
			}
			return els
		}
		return TernaryExpr(cond, then, els)

	case NodeAll:
		out := make([]*Expr, 0, len(e.Exprs))
		for _, x := range e.Exprs {
			x = eliminateDeadBranches(x)
			if x.Kind == NodeBool && !x.Bool {
				return BoolExpr(false)
			}
			if x.Kind == NodeBool && x.Bool {
				continue // constant true entries are redundant in All
			}
			out = append(out, x)
		}
		if len(out) == 0 {
			return BoolExpr(true)
		}
		if len(out) == 1 {
			return out[0]
		}
		return AllExpr(out)

	case NodeAny:
		out := make([]*Expr, 0, len(e.Exprs))
		for _, x := range e.Exprs {
			x = eliminateDeadBranches(x)
			if x.Kind == NodeBool && x.Bool {
				return BoolExpr(true)
			}
			if x.Kind == NodeBool && !x.Bool {
				continue // constant false entries are redundant in Any
			}
			out = append(out, x)
		}
		if len(out) == 0 {
			return BoolExpr(false)
		}
		if len(out) == 1 {
			return out[0]
		}
		return AnyExpr(out)

	case NodeBinary:
		return BinaryExpr(e.BinaryOp, eliminateDeadBranches(e.LHS), eliminateDeadBranches(e.RHS))

	case NodeUnary:
		return UnaryExpr(e.UnaryOp, eliminateDeadBranches(e.Operand))

	default:
		return e
	}
}

// removeDoubleNegation collapses `!!x` -> `x`.
func removeDoubleNegation(e *Expr) *Expr {
	switch e.Kind {
	case NodeUnary:
		inner := removeDoubleNegation(e.Operand)
		if e.UnaryOp == OpNot && inner.Kind == NodeUnary && inner.UnaryOp == OpNot {
			return inner.Operand
		}
		return UnaryExpr(e.UnaryOp, inner)

	case NodeBinary:
		return BinaryExpr(e.BinaryOp, removeDoubleNegation(e.LHS), removeDoubleNegation(e.RHS))

	case NodeTernary:
		return TernaryExpr(removeDoubleNegation(e.Cond), removeDoubleNegation(e.Then), removeDoubleNegation(e.Else))

	case NodeAll:
		out := make([]*Expr, len(e.Exprs))
		for i, x := range e.Exprs {
			out[i] = removeDoubleNegation(x)
		}
		return AllExpr(out)

	case NodeAny:
		out := make([]*Expr, len(e.Exprs))
		for i, x := range e.Exprs {
			out[i] = removeDoubleNegation(x)
		}
		return AnyExpr(out)

	default:
		return e
	}
}

func contains(s, sub string) bool {
	return indexOf(s, sub) >= 0
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}
