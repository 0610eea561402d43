package grammar

// Simplify returns an equivalent, smaller production: nested sequences are
// flattened into their parent, nested choices likewise, duplicate choice
// alternatives are dropped and single-item sequence or choice nodes are
// replaced by their item. The receiver is not modified.
func (t Template) Simplify() Template {
	switch t.Kind {
	case TemplateSequence, TemplateChoice:
	default:
		return t.Clone()
	}

	items := make([]Template, 0, len(t.Items))
	for i := range t.Items {
		child := t.Items[i].Simplify()
		if child.Kind == t.Kind {
			items = append(items, child.Items...)
			continue
		}
		items = append(items, child)
	}

	if t.Kind == TemplateChoice {
		items = dedupe(items)
	}
	if len(items) == 1 {
		return items[0]
	}
	return Template{Kind: t.Kind, Items: items}
}

func dedupe(items []Template) []Template {
	out := items[:0:0]
	for _, it := range items {
		dup := false
		for _, kept := range out {
			if kept.Equal(it) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, it)
		}
	}
	return out
}

// Simplifiable reports whether Simplify would change the tree.
func (t Template) Simplifiable() bool {
	return !t.Simplify().Equal(t)
}
