package coordinator

import "slices"

func (c *Coordinator) updateSelection(fn func(*Selection)) {
	c.mu.Lock()
	fn(&c.view.Selection)
	v := c.view.clone()
	c.mu.Unlock()
	c.publish(v)
}

func (c *Coordinator) SelectStickyNote(id string) {
	c.updateSelection(func(s *Selection) { s.StickyNote = id })
}

func (c *Coordinator) SelectFrame(id string) {
	c.updateSelection(func(s *Selection) { s.Frame = id })
}

func (c *Coordinator) SelectText(id string) {
	c.updateSelection(func(s *Selection) { s.Text = id })
}

// EditText marks a text element as being edited in place.
func (c *Coordinator) EditText(id string) {
	c.updateSelection(func(s *Selection) { s.EditingText = id })
}

func (c *Coordinator) SelectShapes(ids ...string) {
	c.updateSelection(func(s *Selection) { s.Shapes = slices.Clone(ids) })
}

func (c *Coordinator) ClearSelection() {
	c.updateSelection(func(s *Selection) { *s = Selection{} })
}
