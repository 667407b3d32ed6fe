package training

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"

	rardecode "github.com/nwaples/rardecode/v2"
)

const (
	archiveFormatZip = "zip"
	archiveFormatRar = "rar"

	maxArchiveBytes    int64 = 128 * 1024 * 1024
	maxEntryImageBytes int64 = 8 * 1024 * 1024
	maxArchiveEntries        = 200
)

// archiveImage 表示从归档包中提取出的一张参考图。
type archiveImage struct {
	Name string
	Data []byte
}

// extractArchiveImages 将上传的 .zip/.rar 归档解包为图片集合。
// 非图片条目与超限条目直接跳过，条目名仅保留用作角色名推断。
func extractArchiveImages(fileHeader *multipart.FileHeader) ([]archiveImage, error) {
	if fileHeader == nil {
		return nil, errors.New("training: archive file not provided")
	}
	if fileHeader.Size > maxArchiveBytes {
		return nil, fmt.Errorf("training: archive exceeds %d bytes", maxArchiveBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("training: open archive: %w", err)
	}
	defer src.Close()

	tmpFile, err := os.CreateTemp("", "training-archive-*")
	if err != nil {
		return nil, fmt.Errorf("training: create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	size, err := io.Copy(tmpFile, io.LimitReader(src, maxArchiveBytes+1))
	if err != nil {
		return nil, fmt.Errorf("training: buffer archive: %w", err)
	}
	if size > maxArchiveBytes {
		return nil, fmt.Errorf("training: archive exceeds %d bytes", maxArchiveBytes)
	}

	format, err := detectArchiveFormat(tmpFile, fileHeader.Filename)
	if err != nil {
		return nil, err
	}

	switch format {
	case archiveFormatZip:
		return extractZipImages(tmpFile, size)
	case archiveFormatRar:
		return extractRarImages(tmpFile)
	default:
		return nil, errors.New("training: unsupported archive format, only .zip and .rar are accepted")
	}
}

// extractZipImages 遍历 zip 条目并读出图片内容。
func extractZipImages(tmpFile *os.File, size int64) ([]archiveImage, error) {
	reader, err := zip.NewReader(tmpFile, size)
	if err != nil {
		return nil, fmt.Errorf("training: read zip archive: %w", err)
	}

	images := make([]archiveImage, 0, len(reader.File))
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		name, ok := sanitizeArchiveEntry(entry.Name)
		if !ok || !isImagePath(name) {
			continue
		}
		if entry.UncompressedSize64 > uint64(maxEntryImageBytes) {
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("training: open zip entry %s: %w", name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxEntryImageBytes))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("training: read zip entry %s: %w", name, err)
		}

		images = append(images, archiveImage{Name: name, Data: data})
		if len(images) == maxArchiveEntries {
			break
		}
	}

	return images, nil
}

// extractRarImages 遍历 rar 条目并读出图片内容。
func extractRarImages(tmpFile *os.File) ([]archiveImage, error) {
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("training: rewind archive: %w", err)
	}

	reader, err := rardecode.NewReader(tmpFile)
	if err != nil {
		return nil, fmt.Errorf("training: read rar archive: %w", err)
	}

	var images []archiveImage
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("training: read rar entry: %w", err)
		}
		if header.IsDir {
			continue
		}
		name, ok := sanitizeArchiveEntry(header.Name)
		if !ok || !isImagePath(name) {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(reader, maxEntryImageBytes+1))
		if err != nil {
			return nil, fmt.Errorf("training: read rar entry %s: %w", name, err)
		}
		if int64(len(data)) > maxEntryImageBytes {
			continue
		}

		images = append(images, archiveImage{Name: name, Data: data})
		if len(images) == maxArchiveEntries {
			break
		}
	}

	return images, nil
}

// detectArchiveFormat 先看扩展名，再回退到文件头魔数。
func detectArchiveFormat(file *os.File, originalName string) (string, error) {
	switch strings.ToLower(filepath.Ext(originalName)) {
	case ".zip":
		return archiveFormatZip, nil
	case ".rar":
		return archiveFormatRar, nil
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("training: rewind archive: %w", err)
	}
	magic := make([]byte, 4)
	if _, err := io.ReadFull(file, magic); err != nil {
		return "", errors.New("training: archive is too small to identify")
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("training: rewind archive: %w", err)
	}

	switch {
	case magic[0] == 'P' && magic[1] == 'K':
		return archiveFormatZip, nil
	case magic[0] == 'R' && magic[1] == 'a' && magic[2] == 'r' && magic[3] == '!':
		return archiveFormatRar, nil
	default:
		return "", errors.New("training: unsupported archive format, only .zip and .rar are accepted")
	}
}

// sanitizeArchiveEntry 过滤路径穿越与隐藏条目，返回规整后的相对路径。
func sanitizeArchiveEntry(name string) (string, bool) {
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if cleaned == "." || cleaned == "/" {
		return "", false
	}
	if strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return "", false
	}
	base := path.Base(cleaned)
	if strings.HasPrefix(base, ".") {
		return "", false
	}
	return cleaned, true
}

// isImagePath 判断条目是否为受支持的图片格式。
func isImagePath(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return true
	default:
		return false
	}
}

// characterFromEntry 从条目文件名推断角色名。
func characterFromEntry(name string) string {
	base := path.Base(name)
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.ReplaceAll(base, "_", " ")
	base = strings.ReplaceAll(base, "-", " ")
	return strings.TrimSpace(base)
}
