// Package schema defines the entities kept in the local structura store.
//
// # Overview
//
// The store tracks BIM elements of a project against acts (approval and
// inspection records). Four entities make up the core:
//
//   - Project - a BIM project, upserted wholesale
//   - Element - a building component keyed by its globally unique GUID
//   - Act - an append-only approval record with an auto-assigned id
//   - ElementActLink - a unique (element GUID, act id) association
//
// CachedModel records which 3D model payloads are available offline.
//
// # JSON
//
// Field names are snake_case and form the wire contract with the UI:
//
//	{
//	  "guid": "2O2Fr$t4X7Zf8NOew3FLOH",
//	  "project_id": "p-17",
//	  "status": "Не закрыт",
//	  "properties": {"IfcType": "IfcWall"},
//	  "pending_sync": true,
//	  "modified_at": "2026-03-02T09:14:11.204518000Z"
//	}
//
// Free-form metadata (Project.Metadata, Element.Properties) is kept as raw
// JSON and stored verbatim, so values read back are byte-identical to the
// values written.
//
// # Status
//
// Element status is an open string enum owned by the UI. The store only
// fills in DefaultElementStatus when the field is empty.
package schema
