// Package rag orchestrates the retrieval-augmented-generation pipeline:
// indexing uploaded documents into vector memory and retrieving relevant
// memories for a conversational turn.
//
// # Architecture
//
//	upload -> blob store -> kb_files record -> index job enqueued
//	     |
//	worker dequeues -> Indexer
//	     +-- chunker (extract + split)
//	     +-- embedding client (per-chunk, partial failure tolerated)
//	     +-- knowledge store (atomic delete-then-insert swap)
//	     +-- file status updated (ready/failed)
//
//	chat turn -> Retriever
//	     +-- RAG mode policy (heavy/light/ignore)
//	     +-- embedding client (query vector)
//	     +-- ranked pgvector search (owner scope, tag filters, penalties)
//	     +-- prompt formatting
//
// # Failure model
//
// Indexing failures are durable: the file record is marked failed so the
// outcome is visible without inspecting a return value. Retrieval failures
// never propagate — a chat turn degrades to "no memory context" rather than
// erroring.
package rag
