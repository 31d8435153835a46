package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/tomehq/tome/internal/repository"
)

// Neo4jStore implements Store using Neo4j.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jStore creates a Neo4j-backed graph store and verifies connectivity.
func NewNeo4jStore(ctx context.Context, uri, username, password string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}

	return &Neo4jStore{driver: driver}, nil
}

// Close releases the driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) write(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, work)
	return err
}

func (s *Neo4jStore) read(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	return session.ExecuteRead(ctx, work)
}

// UpsertDocument merges a document node by id.
func (s *Neo4jStore) UpsertDocument(ctx context.Context, node DocumentNode) error {
	return s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MERGE (d:Document {id: $id})
			SET d.tenant = $tenant,
			    d.file_path = $filePath,
			    d.title = $title,
			    d.doc_type = $docType
		`
		params := map[string]any{
			"id":       node.ID,
			"tenant":   node.Tenant,
			"filePath": node.FilePath,
			"title":    node.Title,
			"docType":  node.DocType,
		}
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
}

// UpsertSection merges a section node and its HAS_SECTION edge.
func (s *Neo4jStore) UpsertSection(ctx context.Context, node SectionNode) error {
	return s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (d:Document {id: $docId})
			MERGE (sec:Section {id: $id})
			SET sec.title = $title,
			    sec.level = $level,
			    sec.document_id = $docId
			MERGE (d)-[:HAS_SECTION]->(sec)
		`
		params := map[string]any{
			"id":    node.ID,
			"docId": node.DocumentID,
			"title": node.Title,
			"level": node.Level,
		}
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
}

// UpsertChunk merges a chunk node and its HAS_CHUNK edge.
func (s *Neo4jStore) UpsertChunk(ctx context.Context, node ChunkNode) error {
	return s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (d:Document {id: $docId})
			MERGE (c:Chunk {id: $id})
			SET c.chunk_index = $index,
			    c.document_id = $docId
			MERGE (d)-[:HAS_CHUNK]->(c)
		`
		params := map[string]any{
			"id":    node.ID,
			"docId": node.DocumentID,
			"index": node.Index,
		}
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
}

// UpsertConcept merges a concept node by id.
func (s *Neo4jStore) UpsertConcept(ctx context.Context, node ConceptNode) error {
	return s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MERGE (c:Concept {id: $id})
			SET c.name = $name,
			    c.description = $description,
			    c.category = $category,
			    c.aliases = $aliases
		`
		params := map[string]any{
			"id":          node.ID,
			"name":        node.Name,
			"description": node.Description,
			"category":    node.Category,
			"aliases":     node.Aliases,
		}
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
}

// CreateRelationship merges a typed edge between two existing nodes. The
// relationship type is validated against the known set before interpolation.
func (s *Neo4jStore) CreateRelationship(ctx context.Context, rel Relationship) error {
	switch rel.Type {
	case RelHasSection, RelHasChunk, RelMentions, RelRelatesTo, RelLinksTo, RelSupersedes:
	default:
		return fmt.Errorf("unknown relationship type %q", rel.Type)
	}

	return s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := fmt.Sprintf(`
			MATCH (a {id: $sourceId})
			MATCH (b {id: $targetId})
			MERGE (a)-[r:%s]->(b)
			SET r += $props
		`, rel.Type)
		props := rel.Properties
		if props == nil {
			props = map[string]any{}
		}
		params := map[string]any{
			"sourceId": rel.SourceID,
			"targetId": rel.TargetID,
			"props":    props,
		}
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
}

// GetRelatedConcepts walks RELATES_TO edges in both directions up to hops
// away. Results are deduplicated and ordered nearest first.
func (s *Neo4jStore) GetRelatedConcepts(ctx context.Context, conceptID string, hops int) ([]RelatedConcept, error) {
	if hops <= 0 {
		return nil, nil
	}

	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := fmt.Sprintf(`
			MATCH path = (origin:Concept {id: $id})-[:RELATES_TO*1..%d]-(related:Concept)
			WHERE related.id <> $id
			RETURN related.id AS id,
			       related.name AS name,
			       related.description AS description,
			       related.category AS category,
			       min(length(path)) AS hops
			ORDER BY hops, name
		`, hops)
		params := map[string]any{"id": conceptID}

		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}

		var related []RelatedConcept
		for res.Next(ctx) {
			record := res.Record()
			rc := RelatedConcept{Concept: scanConcept(record)}
			if v, ok := record.Get("hops"); ok {
				if h, ok := v.(int64); ok {
					rc.Hops = int(h)
				}
			}
			related = append(related, rc)
		}
		return related, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get related concepts: %w", err)
	}
	return result.([]RelatedConcept), nil
}

// GetChunksByConcept returns chunks one MENTIONS hop away from the concept.
func (s *Neo4jStore) GetChunksByConcept(ctx context.Context, conceptID string) ([]ChunkNode, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (c:Chunk)-[:MENTIONS]->(concept:Concept {id: $id})
			RETURN c.id AS id, c.document_id AS documentId, c.chunk_index AS chunkIndex
			ORDER BY c.document_id, c.chunk_index
		`
		params := map[string]any{"id": conceptID}

		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}

		var chunks []ChunkNode
		for res.Next(ctx) {
			record := res.Record()
			node := ChunkNode{}
			if v, ok := record.Get("id"); ok {
				node.ID, _ = v.(string)
			}
			if v, ok := record.Get("documentId"); ok {
				node.DocumentID, _ = v.(string)
			}
			if v, ok := record.Get("chunkIndex"); ok {
				if idx, ok := v.(int64); ok {
					node.Index = int(idx)
				}
			}
			chunks = append(chunks, node)
		}
		return chunks, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks by concept: %w", err)
	}
	return result.([]ChunkNode), nil
}

// GetConceptsForChunks returns the concepts mentioned by any of the chunks.
func (s *Neo4jStore) GetConceptsForChunks(ctx context.Context, chunkIDs []string) ([]ConceptNode, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (c:Chunk)-[:MENTIONS]->(concept:Concept)
			WHERE c.id IN $ids
			RETURN DISTINCT concept.id AS id,
			       concept.name AS name,
			       concept.description AS description,
			       concept.category AS category
			ORDER BY name
		`
		params := map[string]any{"ids": chunkIDs}

		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}

		var concepts []ConceptNode
		for res.Next(ctx) {
			concepts = append(concepts, scanConcept(res.Record()))
		}
		return concepts, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get concepts for chunks: %w", err)
	}
	return result.([]ConceptNode), nil
}

// DeleteDocumentCascade removes a document with its sections, chunks, and
// every edge touching them. Concepts stay: other documents may mention them.
func (s *Neo4jStore) DeleteDocumentCascade(ctx context.Context, documentID string) error {
	return s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (d:Document {id: $id})
			OPTIONAL MATCH (d)-[:HAS_SECTION]->(sec:Section)
			OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE sec, c, d
		`
		params := map[string]any{"id": documentID}
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
}

// GetSyncState reads the last processed head commit for a repository.
// Missing state maps to repository.ErrNotFound.
func (s *Neo4jStore) GetSyncState(ctx context.Context, repoName string) (string, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (st:SyncState {repo: $repo})
			RETURN st.head AS head
		`
		params := map[string]any{"repo": repoName}

		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		if v, ok := res.Record().Get("head"); ok {
			if head, ok := v.(string); ok {
				return head, nil
			}
		}
		return nil, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to get sync state for %s: %w", repoName, err)
	}
	head, ok := result.(string)
	if !ok || head == "" {
		return "", repository.ErrNotFound
	}
	return head, nil
}

// SetSyncState records the last processed head commit for a repository.
func (s *Neo4jStore) SetSyncState(ctx context.Context, repoName, headCommit string) error {
	return s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MERGE (st:SyncState {repo: $repo})
			SET st.head = $head
		`
		params := map[string]any{
			"repo": repoName,
			"head": headCommit,
		}
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
}

func scanConcept(record *neo4j.Record) ConceptNode {
	node := ConceptNode{}
	if v, ok := record.Get("id"); ok {
		node.ID, _ = v.(string)
	}
	if v, ok := record.Get("name"); ok {
		node.Name, _ = v.(string)
	}
	if v, ok := record.Get("description"); ok {
		node.Description, _ = v.(string)
	}
	if v, ok := record.Get("category"); ok {
		node.Category, _ = v.(string)
	}
	return node
}

// Ensure Neo4jStore implements Store
var _ Store = (*Neo4jStore)(nil)
