// Package credfile implements the on-disk credential artifacts subprocess
// readers consume (spec §6): an atomically-replaced JSON credentials file,
// the AWS config/credentials text files that point at a credentials
// process, and the credentials-process script itself. Replacement is
// write-to-temp-then-rename so a reader observes the old file or the new
// one, never a partial write.
package credfile
