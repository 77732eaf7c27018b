// Package models contains the data models shared across vidscan.
package models
