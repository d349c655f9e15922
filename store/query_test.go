package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func doc(id string, fields Fields) *Document {
	f, err := normalize(fields)
	if err != nil {
		panic(err)
	}
	return &Document{ID: id, Fields: f}
}

func ids(docs []*Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestQueryArrayContains(t *testing.T) {
	docs := []*Document{
		doc("a", Fields{"participants": []any{"u1", "u2"}}),
		doc("b", Fields{"participants": []any{"u2", "u3"}}),
		doc("c", Fields{"participants": "u1"}),
		doc("d", Fields{}),
	}
	q := Collection("chats").Where("participants", OpArrayContains, "u1")
	assert.Equal(t, []string{"a"}, ids(q.Apply(docs)))
}

func TestQueryEqualOnNestedNumber(t *testing.T) {
	docs := []*Document{
		doc("a", Fields{"unreadMessages": map[string]any{"u1": 0}}),
		doc("b", Fields{"unreadMessages": map[string]any{"u1": 2}}),
	}
	q := Collection("chats").Where("unreadMessages.u1", OpEqual, 0)
	assert.Equal(t, []string{"a"}, ids(q.Apply(docs)))
}

func TestQueryOrdering(t *testing.T) {
	docs := []*Document{
		doc("t1", Fields{"lastUpdated": "2025-01-01T00:00:01.000000000Z"}),
		doc("t3", Fields{"lastUpdated": "2025-01-01T00:00:03.000000000Z"}),
		doc("t2", Fields{"lastUpdated": "2025-01-01T00:00:02.000000000Z"}),
		doc("none", Fields{}),
	}

	desc := Collection("chats").Order("lastUpdated", Desc).Apply(docs)
	assert.Equal(t, []string{"t3", "t2", "t1", "none"}, ids(desc))

	asc := Collection("chats").Order("lastUpdated", Asc).Apply(docs)
	assert.Equal(t, []string{"none", "t1", "t2", "t3"}, ids(asc))
}

func TestQueryTiesBreakByID(t *testing.T) {
	docs := []*Document{
		doc("b", Fields{"n": 1}),
		doc("a", Fields{"n": 1}),
	}
	assert.Equal(t, []string{"a", "b"}, ids(Collection("x").Order("n", Desc).Apply(docs)))
}

func TestWhereDoesNotAliasFilters(t *testing.T) {
	base := Collection("chats").Where("a", OpEqual, 1)
	q1 := base.Where("b", OpEqual, 2)
	q2 := base.Where("c", OpEqual, 3)
	assert.Equal(t, "b", q1.Filters[1].Field)
	assert.Equal(t, "c", q2.Filters[1].Field)
}

func TestDocumentKeys(t *testing.T) {
	assert.Equal(t, "chats.c1", documentKey("chats", "c1"))
	assert.Equal(t, "chats.c1.messages.m1", documentKey("chats/c1/messages", "m1"))
	assert.Equal(t, "chats.*", collectionFilter("chats"))
	assert.Equal(t, "chats.c1.messages.*", collectionFilter("/chats/c1/messages/"))
}
