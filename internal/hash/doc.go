// Package hash provides the CRC32-Castagnoli checksums used for blob
// integrity on remote backends.
//
// For one-shot checksums:
//
//	sum := hash.CRC32C(data)
//
// S3 expects the big-endian checksum bytes in base64:
//
//	input.ChecksumCRC32C = aws.String(hash.CRC32CBase64(data))
package hash
