/*
Package workspace indexes and maintains the story projects on disk.

A project is any directory holding a world.yaml manifest. Markdown and text
files below it count as manuscript documents. The Loader walks the tree
concurrently and reports what it could not read; the Migrator upgrades
manifests written by older builds, keeping a zstd-compressed copy of each
original under .backup/, and seeds a sample project into an empty workspace.
*/
package workspace
