package chatsync

// directory is the ordered list of conversation summaries, most recently
// surfaced first. Not safe for concurrent use; Store serializes access.
type directory struct {
	order []string
	byID  map[string]*Conversation
}

func newDirectory() *directory {
	return &directory{byID: make(map[string]*Conversation)}
}

func (d *directory) get(id string) (*Conversation, bool) {
	c, ok := d.byID[id]
	return c, ok
}

// replace swaps the whole directory for a first page.
func (d *directory) replace(page []Conversation) {
	d.order = d.order[:0]
	d.byID = make(map[string]*Conversation, len(page))
	d.appendPage(page)
}

// appendPage adds a later page at the tail, skipping known IDs.
func (d *directory) appendPage(page []Conversation) int {
	added := 0
	for _, c := range page {
		if c.ID == "" {
			continue
		}
		if _, ok := d.byID[c.ID]; ok {
			continue
		}
		conv := c.clone()
		d.byID[c.ID] = &conv
		d.order = append(d.order, c.ID)
		added++
	}
	return added
}

// upsertFromPush puts c at the head of the directory. A brand-new
// conversation is prepended; a known one is replaced by the pushed copy,
// keeping local maps the push omits, and moved to the head.
func (d *directory) upsertFromPush(c Conversation) {
	if c.ID == "" {
		return
	}
	conv := c.clone()
	if existing, ok := d.byID[c.ID]; ok {
		if conv.UnreadCounts == nil {
			conv.UnreadCounts = copyMap(existing.UnreadCounts)
		}
		if conv.ArchivedBy == nil {
			conv.ArchivedBy = copyMap(existing.ArchivedBy)
		}
		if conv.ActiveFor == nil {
			conv.ActiveFor = copyMap(existing.ActiveFor)
		}
		if conv.LastMessage == "" {
			conv.LastMessage = existing.LastMessage
		}
		if conv.LastMessageAt.IsZero() {
			conv.LastMessageAt = existing.LastMessageAt
		}
		d.remove(c.ID)
	}
	d.byID[c.ID] = &conv
	d.order = append([]string{c.ID}, d.order...)
}

// upsert stores c in place when known, at the tail otherwise.
func (d *directory) upsert(c Conversation) {
	if c.ID == "" {
		return
	}
	conv := c.clone()
	if _, ok := d.byID[c.ID]; !ok {
		d.order = append(d.order, c.ID)
	}
	d.byID[c.ID] = &conv
}

func (d *directory) remove(id string) {
	delete(d.byID, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// patch merges p into the conversation. It reports whether the conversation
// is known.
func (d *directory) patch(id string, p ConversationPatch) bool {
	c, ok := d.byID[id]
	if !ok {
		return false
	}
	if p.Participants != nil {
		c.Participants = append([]Participant(nil), p.Participants...)
	}
	if p.Kind != nil {
		c.Kind = *p.Kind
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastMessageAt != nil {
		c.LastMessageAt = *p.LastMessageAt
	}
	c.UnreadCounts = mergeMap(c.UnreadCounts, p.UnreadCounts)
	c.ArchivedBy = mergeMap(c.ArchivedBy, p.ArchivedBy)
	c.ActiveFor = mergeMap(c.ActiveFor, p.ActiveFor)
	if p.UpdatedAt != nil {
		c.UpdatedAt = *p.UpdatedAt
	}
	return true
}

// refreshLastMessage copies m's preview and timestamp into its conversation.
func (d *directory) refreshLastMessage(m Message) {
	preview := m.Content
	at := m.CreatedAt
	d.patch(m.ConversationID, ConversationPatch{LastMessage: &preview, LastMessageAt: &at})
}

// incrementUnread adds one to the recipient's counter.
func (d *directory) incrementUnread(id, recipientID string) {
	c, ok := d.byID[id]
	if !ok || recipientID == "" {
		return
	}
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(map[string]int, 1)
	}
	c.UnreadCounts[recipientID]++
}

func (d *directory) unread(id, userID string) int {
	if c, ok := d.byID[id]; ok {
		return c.UnreadCounts[userID]
	}
	return 0
}

func (d *directory) totalUnread(userID string) int {
	total := 0
	for _, c := range d.byID {
		total += c.UnreadCounts[userID]
	}
	return total
}

// list returns copies in directory order.
func (d *directory) list() []Conversation {
	out := make([]Conversation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id].clone())
	}
	return out
}

func mergeMap[K comparable, V any](dst, src map[K]V) map[K]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[K]V, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// decodeConversationPage normalizes every list shape GET /conversations is
// known to return: a bare array, {conversations}, {data} and
// {data: {conversations}}.
func decodeConversationPage(data []byte) ([]Conversation, error) {
	page, err := decodeList[Conversation](data, "conversations")
	if err != nil {
		return nil, err
	}
	if page == nil {
		page = []Conversation{}
	}
	return page, nil
}
