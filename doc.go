// Package keyset provides keyset (cursor-based) pagination for GORM.
//
// Overview
//
// A keyset page is read with a WHERE condition on the ordering columns of the last
// row already seen, so fetching a page costs the same however deep it is and rows
// inserted meanwhile never shift pages that were already issued.
//
// Key concepts
//   - ColumnOrderDefinition: one ordering column with its direction, NULL placement
//     and uniqueness.
//   - Order: the full keyset order. It renders ORDER BY, builds the condition
//     matching rows after a cursor and can be reversed to walk backwards.
//   - SimpleOrderBuilder: turns an ordinary ORDER BY into an Order by completing it
//     with the primary key. It reports false for orders it cannot convert, so the
//     caller can fall back to OffsetPaginate.
//   - Paginate: pages with next/previous/first/last cursors.
//   - Iterator: walks a whole table in batches.
//   - CursorBasedRequestContext and RequestContext: request parameters and Link
//     headers.
//
// Cursors are opaque URL-safe tokens: base64url encoded JSON holding the cursor
// attributes and the "_kd" direction marker.
package keyset
