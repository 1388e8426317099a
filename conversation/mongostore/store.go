// Package mongostore provides a MongoDB-backed conversation.Repository,
// adapted from the teacher's session-store client: a single document per
// conversation, idempotent upsert-based Save, and thin collection/cursor
// interfaces wrapping the real driver types for testability.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/conduit/conversation"
	"goa.design/conduit/message"
)

const (
	defaultCollection = "conduit_conversations"
	defaultOpTimeout   = 5 * time.Second
	clientName         = "conversation-mongo"
)

// Options configures the Mongo-backed Repository.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store is a conversation.Repository backed by MongoDB. It additionally
// implements health.Pinger so it can be wired into a readiness check the
// way the teacher wires its session store.
type Store struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

var _ conversation.Repository = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by MongoDB, creating the uniqueness index on
// conversation_id if it does not already exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	wrapper := mongoCollection{coll: coll}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(ctxTimeout, wrapper); err != nil {
		return nil, err
	}
	return &Store{mongo: opts.Client, coll: wrapper, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Load implements conversation.Repository.
func (s *Store) Load(ctx context.Context, id string) (*conversation.Conversation, error) {
	if id == "" {
		return nil, errors.New("mongostore: conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc conversationDocument
	if err := s.coll.FindOne(ctx, bson.M{"conversation_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, conversation.ErrNotFound
		}
		return nil, err
	}
	return doc.toConversation(), nil
}

// Save implements conversation.Repository. It replaces the stored document
// wholesale (conversations are small, append-only logs; there is no partial
// update worth the complexity a field-level diff would add).
func (s *Store) Save(ctx context.Context, c *conversation.Conversation) error {
	if c.ID == "" {
		return errors.New("mongostore: conversation id is required")
	}
	doc := fromConversation(c)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"conversation_id": c.ID}
	update := bson.M{"$set": doc}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// conversationDocument is the BSON-persisted shape of a Conversation.
// Content blocks are stored with an explicit "kind" discriminator since
// message.Block has no BSON-addressable type information of its own.
type conversationDocument struct {
	ConversationID string            `bson:"conversation_id"`
	Topic          string            `bson:"topic,omitempty"`
	Leaf           string            `bson:"leaf,omitempty"`
	Session        string            `bson:"session,omitempty"`
	Messages       []messageDocument `bson:"messages"`
}

type messageDocument struct {
	Role       string          `bson:"role"`
	Content    string          `bson:"content,omitempty"`
	Blocks     []blockDocument `bson:"blocks,omitempty"`
	Name       string          `bson:"name,omitempty"`
	ToolCalls  []toolCallDoc   `bson:"tool_calls,omitempty"`
	ToolCallID string          `bson:"tool_call_id,omitempty"`
	AudioID    string          `bson:"audio_id,omitempty"`
}

type toolCallDoc struct {
	ID        string         `bson:"id"`
	Function  string         `bson:"function"`
	Arguments map[string]any `bson:"arguments,omitempty"`
}

type blockDocument struct {
	Kind string `bson:"kind"`

	// TextBlock
	Text string `bson:"text,omitempty"`

	// ImageBlock
	URLOrDataURI string               `bson:"url_or_data_uri,omitempty"`
	Detail       message.ImageDetail  `bson:"detail,omitempty"`

	// AudioBlock
	Base64Data string              `bson:"base64_data,omitempty"`
	Format     message.AudioFormat `bson:"format,omitempty"`

	// ToolCallBlock
	ToolCallID string         `bson:"tool_call_id,omitempty"`
	Function   string         `bson:"function,omitempty"`
	Arguments  map[string]any `bson:"arguments,omitempty"`

	// ToolResultBlock
	Content string `bson:"content,omitempty"`

	// DocumentBlock
	Title           string `bson:"title,omitempty"`
	MediaType       string `bson:"media_type,omitempty"`
	EnableCitations bool   `bson:"enable_citations,omitempty"`

	// CitationsBlock
	Citations []citationDoc `bson:"citations,omitempty"`

	// ThinkingBlock
	Signature string `bson:"signature,omitempty"`
}

type citationDoc struct {
	DocumentTitle string `bson:"document_title,omitempty"`
	LocationKind  string `bson:"location_kind,omitempty"`
	StartIndex    int    `bson:"start_index,omitempty"`
	EndIndex      int    `bson:"end_index,omitempty"`
	URL           string `bson:"url,omitempty"`
	CitedText     string `bson:"cited_text,omitempty"`
}

const (
	kindText           = "text"
	kindImage          = "image"
	kindAudio          = "audio"
	kindToolCall       = "tool_call"
	kindToolResult     = "tool_result"
	kindDocument       = "document"
	kindCitations      = "citations"
	kindThinking       = "thinking"
	kindCacheCheckpoint = "cache_checkpoint"
)

func toBlockDocument(b message.Block) blockDocument {
	switch v := b.(type) {
	case message.TextBlock:
		return blockDocument{Kind: kindText, Text: v.Text}
	case message.ImageBlock:
		return blockDocument{Kind: kindImage, URLOrDataURI: v.URLOrDataURI, Detail: v.Detail}
	case message.AudioBlock:
		return blockDocument{Kind: kindAudio, Base64Data: v.Base64Data, Format: v.Format}
	case message.ToolCallBlock:
		return blockDocument{Kind: kindToolCall, ToolCallID: v.ID, Function: v.Function, Arguments: v.Arguments}
	case message.ToolResultBlock:
		return blockDocument{Kind: kindToolResult, ToolCallID: v.ToolCallID, Content: v.Content}
	case message.DocumentBlock:
		return blockDocument{
			Kind: kindDocument, Title: v.Title, MediaType: v.MediaType,
			Base64Data: v.Base64Data, EnableCitations: v.EnableCitations,
		}
	case message.CitationsBlock:
		cites := make([]citationDoc, len(v.Citations))
		for i, c := range v.Citations {
			cites[i] = citationDoc{
				DocumentTitle: c.DocumentTitle,
				LocationKind:  c.Location.Kind,
				StartIndex:    c.Location.StartIndex,
				EndIndex:      c.Location.EndIndex,
				URL:           c.URL,
				CitedText:     c.CitedText,
			}
		}
		return blockDocument{Kind: kindCitations, Text: v.Text, Citations: cites}
	case message.ThinkingBlock:
		return blockDocument{Kind: kindThinking, Text: v.Text, Signature: v.Signature}
	case message.CacheCheckpointBlock:
		return blockDocument{Kind: kindCacheCheckpoint}
	default:
		return blockDocument{Kind: kindText, Text: ""}
	}
}

func (d blockDocument) toBlock() message.Block {
	switch d.Kind {
	case kindImage:
		return message.ImageBlock{URLOrDataURI: d.URLOrDataURI, Detail: d.Detail}
	case kindAudio:
		return message.AudioBlock{Base64Data: d.Base64Data, Format: d.Format}
	case kindToolCall:
		return message.ToolCallBlock{ID: d.ToolCallID, Function: d.Function, Arguments: d.Arguments}
	case kindToolResult:
		return message.ToolResultBlock{ToolCallID: d.ToolCallID, Content: d.Content}
	case kindDocument:
		return message.DocumentBlock{
			Title: d.Title, MediaType: d.MediaType, Base64Data: d.Base64Data,
			EnableCitations: d.EnableCitations,
		}
	case kindCitations:
		cites := make([]message.Citation, len(d.Citations))
		for i, c := range d.Citations {
			cites[i] = message.Citation{
				DocumentTitle: c.DocumentTitle,
				Location: message.CitationLocation{
					Kind: c.LocationKind, StartIndex: c.StartIndex, EndIndex: c.EndIndex,
				},
				URL:       c.URL,
				CitedText: c.CitedText,
			}
		}
		return message.CitationsBlock{Text: d.Text, Citations: cites}
	case kindThinking:
		return message.ThinkingBlock{Text: d.Text, Signature: d.Signature}
	case kindCacheCheckpoint:
		return message.CacheCheckpointBlock{}
	default:
		return message.TextBlock{Text: d.Text}
	}
}

func fromConversation(c *conversation.Conversation) conversationDocument {
	msgs := make([]messageDocument, len(c.Messages))
	for i, m := range c.Messages {
		blocks := make([]blockDocument, len(m.Blocks))
		for j, b := range m.Blocks {
			blocks[j] = toBlockDocument(b)
		}
		calls := make([]toolCallDoc, len(m.ToolCalls))
		for j, tc := range m.ToolCalls {
			calls[j] = toolCallDoc{ID: tc.ID, Function: tc.Function, Arguments: tc.Arguments}
		}
		msgs[i] = messageDocument{
			Role:       string(m.Role),
			Content:    m.Content,
			Blocks:     blocks,
			Name:       m.Name,
			ToolCalls:  calls,
			ToolCallID: m.ToolCallID,
			AudioID:    m.AudioID,
		}
	}
	return conversationDocument{
		ConversationID: c.ID,
		Topic:          c.Topic,
		Leaf:           c.Leaf,
		Session:        c.Session,
		Messages:       msgs,
	}
}

func (doc conversationDocument) toConversation() *conversation.Conversation {
	msgs := make([]message.Message, len(doc.Messages))
	for i, md := range doc.Messages {
		blocks := make([]message.Block, len(md.Blocks))
		for j, bd := range md.Blocks {
			blocks[j] = bd.toBlock()
		}
		calls := make([]message.ToolCallBlock, len(md.ToolCalls))
		for j, tc := range md.ToolCalls {
			calls[j] = message.ToolCallBlock{ID: tc.ID, Function: tc.Function, Arguments: tc.Arguments}
		}
		msgs[i] = message.Message{
			Role:       message.Role(md.Role),
			Content:    md.Content,
			Blocks:     blocks,
			Name:       md.Name,
			ToolCalls:  calls,
			ToolCallID: md.ToolCallID,
			AudioID:    md.AudioID,
		}
	}
	return &conversation.Conversation{
		ID:       doc.ConversationID,
		Topic:    doc.Topic,
		Leaf:     doc.Leaf,
		Session:  doc.Session,
		Messages: msgs,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, idx)
	return err
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
