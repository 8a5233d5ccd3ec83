package agents

import "slices"

// Clone deep-copies the agent graph rooted at root in a single traversal.
//
// Nodes are memoised by source identity, so a node reached through several
// paths (or through a cycle such as a property's Owner edge) is cloned
// exactly once and the copy reproduces the source's sharing. The copy has
// no edge into the source graph. Compiled chains and expressions are
// immutable and are shared rather than copied.
//
// The clone is never a prototype and is not attached to any simulation.
// Its id is unassigned, its properties start with empty caches and its
// actions are reset to their initial states.
func Clone(root *Agent) *Agent {
	if root == nil {
		return nil
	}
	c := &cloner{memo: make(map[any]any)}
	return c.agent(root)
}

type cloner struct {
	memo map[any]any
}

func (c *cloner) agent(src *Agent) *Agent {
	if src == nil {
		return nil
	}
	if dst, ok := c.memo[src]; ok {
		return dst.(*Agent)
	}

	dst := &Agent{
		Species:  src.Species,
		Position: slices.Clone(src.Position),
		ParentID: src.ParentID,
	}
	c.memo[src] = dst

	if src.Traits != nil {
		dst.Traits = make(map[string]*Trait, len(src.Traits))
		for name, t := range src.Traits {
			dst.Traits[name] = c.trait(t)
		}
	}
	for _, p := range src.Properties {
		dst.Properties = append(dst.Properties, c.property(p))
	}
	for _, a := range src.Actions {
		dst.Actions = append(dst.Actions, c.action(a))
	}
	return dst
}

func (c *cloner) trait(src *Trait) *Trait {
	if src == nil {
		return nil
	}
	if dst, ok := c.memo[src]; ok {
		return dst.(*Trait)
	}
	dst := &Trait{Name: src.Name, Value: src.Value}
	c.memo[src] = dst
	return dst
}

func (c *cloner) property(src *Property) *Property {
	if src == nil {
		return nil
	}
	if dst, ok := c.memo[src]; ok {
		return dst.(*Property)
	}
	dst := &Property{Name: src.Name, Expiry: src.Expiry, expr: src.expr}
	c.memo[src] = dst
	dst.Owner = c.agent(src.Owner)
	dst.bind()
	return dst
}

func (c *cloner) action(src *Action) *Action {
	if src == nil {
		return nil
	}
	if dst, ok := c.memo[src]; ok {
		return dst.(*Action)
	}
	dst := &Action{
		Name:    src.Name,
		Initial: src.Initial,
		State:   src.Initial,
		Chain:   src.Chain,
	}
	c.memo[src] = dst
	dst.Owner = c.agent(src.Owner)
	for _, t := range src.Traits {
		dst.Traits = append(dst.Traits, c.trait(t))
	}
	return dst
}
